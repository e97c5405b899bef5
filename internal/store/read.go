package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/ihop/internal/report"
)

// ErrRunNotFound is returned when no run with the given ID is stored.
var ErrRunNotFound = errors.New("run not found")

// RunInfo is one stored run.
type RunInfo struct {
	ID           string `json:"id"`
	StoppedEarly bool   `json:"stopped_early"`
	Cells        int    `json:"cells"`
	Failures     int    `json:"failures"`
}

// Runs lists stored runs ordered by ID. UUIDv7 IDs make that oldest first.
func (s *Store) Runs(ctx context.Context) ([]RunInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.stopped_early,
		       (SELECT COUNT(*) FROM (SELECT DISTINCT case_index, implementation FROM cells c WHERE c.run_id = r.id)),
		       (SELECT COUNT(*) FROM cells c WHERE c.run_id = r.id AND c.outcome NOT IN ('matched', 'skipped'))
		FROM runs r
		ORDER BY r.id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		if err := rows.Scan(&info.ID, &info.StoppedEarly, &info.Cells, &info.Failures); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// CellKey addresses one (case, implementation) cell.
type CellKey struct {
	CaseIndex      int
	Implementation string
}

// Outcomes returns the per-test outcomes of every cell of a run.
func (s *Store) Outcomes(ctx context.Context, runID string) (map[CellKey][]report.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_index, implementation, outcome
		FROM cells
		WHERE run_id = ?
		ORDER BY case_index ASC, implementation COLLATE BINARY ASC, test_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()

	out := map[CellKey][]report.Outcome{}
	for rows.Next() {
		var key CellKey
		var outcome string
		if err := rows.Scan(&key.CaseIndex, &key.Implementation, &outcome); err != nil {
			return nil, fmt.Errorf("load outcomes: %w", err)
		}
		out[key] = append(out[key], report.Outcome(outcome))
	}
	return out, rows.Err()
}

// Report returns the canonical JSON stored for a run.
func (s *Store) Report(ctx context.Context, runID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load report %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	return []byte(data), nil
}

// Tally counts each implementation's outcomes test by test for a run.
func (s *Store) Tally(ctx context.Context, runID string) (map[string]report.Counts, error) {
	outcomes, err := s.Outcomes(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := map[string]report.Counts{}
	for key, cell := range outcomes {
		counts, ok := out[key.Implementation]
		if !ok {
			counts = report.Counts{}
			out[key.Implementation] = counts
		}
		for _, o := range cell {
			counts[o]++
		}
	}
	return out, nil
}
