package testutil

// FixedRunID generates the same run ID every time.
//
// This enables deterministic reports and golden snapshot comparison.
//
// Thread-safety: FixedRunID is stateless and safe for concurrent use.
type FixedRunID string

// Generate returns the fixed ID, or "test-run-default" if it is empty.
func (id FixedRunID) Generate() string {
	if id == "" {
		return "test-run-default"
	}
	return string(id)
}
