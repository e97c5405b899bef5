package suite

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Test is one instance together with its expected validity.
type Test struct {
	Description string          `json:"description"`
	Comment     string          `json:"comment,omitempty"`
	Instance    json.RawMessage `json:"instance"`
	Valid       bool            `json:"valid"`
}

// TestCase is a schema, an optional registry of further schemas it may
// reference, and the tests to validate against it.
//
// TestCases are immutable once loaded. Helpers that need a variant (see
// WithSchemaDialect) return a copy.
type TestCase struct {
	Description string          `json:"description"`
	Comment     string          `json:"comment,omitempty"`
	Schema      json.RawMessage `json:"schema"`
	Registry    json.RawMessage `json:"registry,omitempty"`
	Tests       []Test          `json:"tests"`
}

// Expected returns the oracle verdicts in test order.
func (c TestCase) Expected() []bool {
	out := make([]bool, len(c.Tests))
	for i, t := range c.Tests {
		out[i] = t.Valid
	}
	return out
}

// WithSchemaDialect returns a copy of c whose schema declares the given
// dialect via "$schema". Boolean schemas are returned unchanged, since they
// have nowhere to carry a keyword.
func (c TestCase) WithSchemaDialect(dialect string) (TestCase, error) {
	trimmed := bytes.TrimSpace(c.Schema)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return c, nil
	}

	var schema map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &schema); err != nil {
		return c, fmt.Errorf("case %q: schema is not an object: %w", c.Description, err)
	}
	encoded, err := json.Marshal(dialect)
	if err != nil {
		return c, err
	}
	schema["$schema"] = encoded

	data, err := json.Marshal(schema)
	if err != nil {
		return c, fmt.Errorf("case %q: re-encode schema: %w", c.Description, err)
	}

	out := c
	out.Schema = data
	return out, nil
}
