package report

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
	"github.com/roach88/ihop/internal/testutil"
)

// assertGolden compares the canonical report against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/report -update
func assertGolden(t *testing.T, name string, r *Report) {
	t.Helper()

	data, err := r.MarshalJSON()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

func goldenCases() []suite.TestCase {
	return []suite.TestCase{
		{
			Description: "integers",
			Schema:      json.RawMessage(`{"type":"integer"}`),
			Tests: []suite.Test{
				{Description: "an integer", Instance: json.RawMessage(`1`), Valid: true},
				{Description: "a string", Instance: json.RawMessage(`"1"`), Valid: false},
			},
		},
		{
			Description: "strings",
			Schema:      json.RawMessage(`{"type":"string"}`),
			Tests: []suite.Test{
				{Description: "a number", Instance: json.RawMessage(`1`), Valid: false},
			},
		},
	}
}

func TestReport_Golden(t *testing.T) {
	r := New(testutil.FixedRunID("run-1").Generate(), []string{"alpha", "beta"})
	cases := r.AddBlock(suite.Draft2020, goldenCases())

	r.SetIdentity("alpha", protocol.Implementation{
		Language: "go",
		Name:     "alpha-validator",
		Version:  "1.0.0",
		Dialects: []string{suite.Draft2020},
	})

	// Recorded out of order, as concurrent workers would.
	require.NoError(t, r.Record(cases[1].Index, "beta", Uniform(1, Crashed, "adapter exited without replying")))
	require.NoError(t, r.Record(cases[0].Index, "alpha", Answered(cases[0].Case.Expected(), []bool{true, false})))
	require.NoError(t, r.Record(cases[0].Index, "beta", ErroredCell(2, protocol.ErrorContext{Message: "boom"})))
	require.NoError(t, r.Record(cases[1].Index, "alpha", Answered(cases[1].Case.Expected(), []bool{true})))
	r.MarkFailed("beta", StatusCrashed, "adapter exited without replying", "BOOM!")

	require.Equal(t, 0, r.Finalize(ReasonNotRun))
	assertGolden(t, "two_implementations", r)
}
