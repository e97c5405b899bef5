package report

import (
	"io"

	"github.com/roach88/ihop/internal/protocol"
)

// MarshalJSON renders the report as canonical JSON. Latencies are left out so
// that two runs over the same input produce identical bytes.
func (r *Report) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(r.document())
}

// WriteJSON writes the canonical report followed by a newline.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := r.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func (r *Report) document() map[string]any {
	cases := r.Cases()
	summaries := r.Summaries()

	caseDocs := make([]any, len(cases))
	for i, c := range cases {
		tests := make([]any, len(c.Case.Tests))
		for j, t := range c.Case.Tests {
			tests[j] = t.Description
		}
		results := map[string]any{}
		for _, name := range r.impls {
			if cell, ok := r.Cell(c.Index, name); ok {
				results[name] = cellDocument(cell)
			}
		}
		caseDocs[i] = map[string]any{
			"index":       c.Index,
			"dialect":     c.Dialect,
			"description": c.Case.Description,
			"tests":       tests,
			"results":     results,
		}
	}

	implDocs := make([]any, len(summaries))
	for i, s := range summaries {
		implDocs[i] = summaryDocument(s)
	}

	return map[string]any{
		"run_id":          r.runID,
		"dialects":        r.Dialects(),
		"stopped_early":   r.StoppedEarly(),
		"cases":           caseDocs,
		"implementations": implDocs,
	}
}

func cellDocument(c Cell) map[string]any {
	outcomes := make([]any, len(c.Outcomes))
	for i, o := range c.Outcomes {
		outcomes[i] = string(o)
	}
	doc := map[string]any{"outcomes": outcomes}
	if c.Verdicts != nil {
		verdicts := make([]any, len(c.Verdicts))
		for i, v := range c.Verdicts {
			verdicts[i] = v
		}
		doc["verdicts"] = verdicts
	}
	if c.Error != nil {
		doc["error"] = errorDocument(*c.Error)
	}
	if c.Reason != "" {
		doc["reason"] = c.Reason
	}
	return doc
}

func errorDocument(e protocol.ErrorContext) map[string]any {
	doc := map[string]any{}
	if e.Message != "" {
		doc["message"] = e.Message
	}
	if e.Traceback != "" {
		doc["traceback"] = e.Traceback
	}
	return doc
}

func summaryDocument(s Summary) map[string]any {
	counts := map[string]any{}
	for _, o := range Outcomes {
		counts[string(o)] = s.Counts[o]
	}
	doc := map[string]any{
		"name":                 s.Name,
		"status":               string(s.Status),
		"counts":               counts,
		"unsupported_dialects": nonNil(s.UnsupportedDialects),
		"rejected_dialects":    nonNil(s.RejectedDialects),
	}
	if s.Reason != "" {
		doc["reason"] = s.Reason
	}
	if s.Identity != nil {
		doc["identity"] = identityDocument(*s.Identity)
	}
	return doc
}

func identityDocument(id protocol.Implementation) map[string]any {
	doc := map[string]any{
		"language": id.Language,
		"name":     id.Name,
		"dialects": nonNil(id.Dialects),
	}
	optional := map[string]string{
		"version":          id.Version,
		"homepage":         id.Homepage,
		"issues":           id.Issues,
		"source":           id.Source,
		"os":               id.OS,
		"os_version":       id.OSVersion,
		"language_version": id.LanguageVersion,
	}
	for k, v := range optional {
		if v != "" {
			doc[k] = v
		}
	}
	if len(id.Links) > 0 {
		links := make([]any, len(id.Links))
		for i, l := range id.Links {
			link := map[string]any{"url": l.URL}
			if l.Description != "" {
				link["description"] = l.Description
			}
			links[i] = link
		}
		doc["links"] = links
	}
	return doc
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// MarshalIdentity renders an implementation identity as canonical JSON.
func MarshalIdentity(id protocol.Implementation) ([]byte, error) {
	return MarshalCanonical(identityDocument(id))
}
