package suite

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// LoadOptions tunes LoadCases.
type LoadOptions struct {
	// Filter keeps only cases whose description matches. Plain text is a
	// substring match; text containing glob metacharacters is matched as
	// the glob "*Filter*".
	Filter string
}

// rawTest mirrors Test but keeps "valid" optional so a missing oracle can be
// reported instead of silently defaulting to false.
type rawTest struct {
	Description string          `json:"description"`
	Comment     string          `json:"comment,omitempty"`
	Instance    json.RawMessage `json:"instance"`
	Valid       *bool           `json:"valid"`
}

type rawCase struct {
	Description string          `json:"description"`
	Comment     string          `json:"comment,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	Registry    json.RawMessage `json:"registry,omitempty"`
	Tests       []rawTest       `json:"tests"`
}

// LoadCases reads JSON Lines test cases from r in input order.
// Returns an error naming the offending line for malformed input.
func LoadCases(r io.Reader, opts LoadOptions) ([]TestCase, error) {
	reader := bufio.NewReader(r)
	var cases []TestCase

	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read line %d: %w", lineNo, err)
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			tc, parseErr := ParseCase(trimmed)
			if parseErr != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, parseErr)
			}
			keep, matchErr := matches(opts.Filter, tc.Description)
			if matchErr != nil {
				return nil, matchErr
			}
			if keep {
				cases = append(cases, tc)
			}
		}

		if errors.Is(err, io.EOF) {
			return cases, nil
		}
	}
}

// ParseCase decodes and checks a single JSON test case.
func ParseCase(data []byte) (TestCase, error) {
	var raw rawCase
	if err := json.Unmarshal(data, &raw); err != nil {
		return TestCase{}, fmt.Errorf("invalid test case JSON: %w", err)
	}
	if len(bytes.TrimSpace(raw.Schema)) == 0 {
		return TestCase{}, fmt.Errorf("case %q: missing schema", raw.Description)
	}
	if len(raw.Tests) == 0 {
		return TestCase{}, fmt.Errorf("case %q: no tests", raw.Description)
	}

	tc := TestCase{
		Description: raw.Description,
		Comment:     raw.Comment,
		Schema:      raw.Schema,
		Registry:    raw.Registry,
		Tests:       make([]Test, len(raw.Tests)),
	}
	for i, t := range raw.Tests {
		if t.Valid == nil {
			return TestCase{}, fmt.Errorf("case %q: test %d (%q) has no expected validity", raw.Description, i, t.Description)
		}
		if len(t.Instance) == 0 {
			return TestCase{}, fmt.Errorf("case %q: test %d (%q) has no instance", raw.Description, i, t.Description)
		}
		tc.Tests[i] = Test{
			Description: t.Description,
			Comment:     t.Comment,
			Instance:    t.Instance,
			Valid:       *t.Valid,
		}
	}
	return tc, nil
}

func matches(filter, description string) (bool, error) {
	if filter == "" {
		return true, nil
	}
	if !strings.ContainsAny(filter, `*?[\`) {
		return strings.Contains(description, filter), nil
	}
	ok, err := path.Match("*"+filter+"*", description)
	if err != nil {
		return false, fmt.Errorf("invalid filter pattern %q: %w", filter, err)
	}
	return ok, nil
}
