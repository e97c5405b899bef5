package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/ihop/internal/report"
)

// SaveReport writes a finalized report in one transaction. Saving the same
// run twice is an error.
func (s *Store) SaveReport(ctx context.Context, r *report.Report) error {
	reportJSON, err := r.MarshalJSON()
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	dialectsJSON, err := report.MarshalCanonical(r.Dialects())
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save report: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, dialects, stopped_early, report)
		VALUES (?, ?, ?, ?)
	`, r.RunID(), string(dialectsJSON), r.StoppedEarly(), string(reportJSON)); err != nil {
		return fmt.Errorf("save report: run %s: %w", r.RunID(), err)
	}

	for _, sum := range r.Summaries() {
		if err := insertImplementation(ctx, tx, r.RunID(), sum); err != nil {
			return fmt.Errorf("save report: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cells
		(run_id, case_index, implementation, dialect, case_description,
		 test_index, test_description, expected, verdict, outcome, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("save report: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range r.Cases() {
		for _, name := range r.Implementations() {
			cell, ok := r.Cell(c.Index, name)
			if !ok {
				return fmt.Errorf("save report: case %d has no cell for %q; finalize the report first", c.Index, name)
			}
			message := cell.Reason
			if cell.Error != nil {
				message = cell.Error.Message
			}
			for i, test := range c.Case.Tests {
				var verdict sql.NullBool
				if cell.Verdicts != nil {
					verdict = sql.NullBool{Bool: cell.Verdicts[i], Valid: true}
				}
				if _, err := stmt.ExecContext(ctx,
					r.RunID(), c.Index, name, c.Dialect, c.Case.Description,
					i, test.Description, test.Valid, verdict, string(cell.Outcomes[i]), message,
				); err != nil {
					return fmt.Errorf("save report: cell (%d, %s, %d): %w", c.Index, name, i, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save report: commit: %w", err)
	}
	return nil
}

func insertImplementation(ctx context.Context, tx *sql.Tx, runID string, sum report.Summary) error {
	var identity sql.NullString
	if sum.Identity != nil {
		data, err := report.MarshalIdentity(*sum.Identity)
		if err != nil {
			return fmt.Errorf("implementation %s: %w", sum.Name, err)
		}
		identity = sql.NullString{String: string(data), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO implementations
		(run_id, name, status, reason, identity,
		 matched, disagreed, errored, timed_out, crashed, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, sum.Name, string(sum.Status), sum.Reason, identity,
		sum.Counts[report.Matched],
		sum.Counts[report.Disagreed],
		sum.Counts[report.Errored],
		sum.Counts[report.TimedOut],
		sum.Counts[report.Crashed],
		sum.Counts[report.Skipped],
	)
	if err != nil {
		return fmt.Errorf("implementation %s: %w", sum.Name, err)
	}
	return nil
}
