package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ihop/internal/protocol"
	"github.com/roach88/ihop/internal/suite"
	"github.com/roach88/ihop/internal/testutil"
)

// allowAll answers the smoke cases correctly: everything is valid against {}
// and nothing against {"not":{}}.
func allowAll(tc suite.TestCase, _ int) bool {
	return string(tc.Schema) == `{}`
}

func TestSmoke_Conforming(t *testing.T) {
	launcher := testutil.NewFakeLauncher().
		Add("good", testutil.NewFakeAdapter(testutil.Conforming(testutil.Identity("good", suite.Draft7), allowAll)))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "-i", "exec:good")
	require.NoError(t, err)

	assert.Contains(t, stdout, "good ("+suite.Draft7+")")
	assert.Contains(t, stdout, "✓ allow-everything schema")
	assert.Contains(t, stdout, "✓ allow-nothing schema")

	var dialects []string
	for _, req := range launcher.Fake("good").Requests() {
		if d, ok := req.(protocol.DialectRequest); ok {
			dialects = append(dialects, d.Dialect)
		}
	}
	assert.Equal(t, []string{suite.Draft7}, dialects, "smoke speaks the first advertised dialect")
}

func TestSmoke_WrongAnswers(t *testing.T) {
	launcher := testutil.NewFakeLauncher().
		Add("yes", testutil.NewFakeAdapter(testutil.Conforming(testutil.Identity("yes"), testutil.AlwaysValid)))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "-i", "exec:yes")
	require.Error(t, err)
	assert.Equal(t, ExitDataErr, GetExitCode(err))
	assert.Contains(t, stdout, "✓ allow-everything schema")
	assert.Contains(t, stdout, "✗ allow-nothing schema")
}

func TestSmoke_ErroredAnswer(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("flaky"), allowAll),
		protocol.CommandRun, 2, testutil.ErroredRun("not implemented"))
	launcher := testutil.NewFakeLauncher().Add("flaky", testutil.NewFakeAdapter(h))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "-i", "exec:flaky")
	require.Error(t, err)
	assert.Equal(t, ExitDataErr, GetExitCode(err))
	assert.Contains(t, stdout, "❗ allow-nothing schema: not implemented")
}

func TestSmoke_CrashSkipsRest(t *testing.T) {
	h := testutil.Override(testutil.Conforming(testutil.Identity("dies"), allowAll),
		protocol.CommandRun, 1, testutil.Exit)
	launcher := testutil.NewFakeLauncher().Add("dies", testutil.NewFakeAdapter(h))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "-i", "exec:dies")
	require.Error(t, err)
	assert.Equal(t, ExitDataErr, GetExitCode(err))
	assert.Contains(t, stdout, "💥 allow-everything schema: adapter exited without replying")
	assert.Contains(t, stdout, "- allow-nothing schema")
}

func TestSmoke_FailedToStart(t *testing.T) {
	launcher := testutil.NewFakeLauncher().
		Add("good", testutil.NewFakeAdapter(testutil.Conforming(testutil.Identity("good"), allowAll))).
		Add("broken", testutil.NewFakeAdapter(testutil.Exit).WithStderr("BOOM!"))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "-i", "exec:good", "-i", "exec:broken")
	require.Error(t, err)
	assert.Equal(t, ExitConfig, GetExitCode(err))
	assert.Contains(t, stdout, "✓ allow-everything schema")
	assert.Contains(t, stdout, "broken\n  💥 failed to start")
	assert.Contains(t, stdout, "    BOOM!")
}

func TestSmoke_JSON(t *testing.T) {
	launcher := testutil.NewFakeLauncher().
		Add("good", testutil.NewFakeAdapter(testutil.Conforming(testutil.Identity("good"), allowAll)))

	stdout, _, err := execute(t, &RootOptions{Launcher: launcher}, "", "smoke", "--format", "json", "-i", "exec:good")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Results []SmokeResult `json:"results"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data.Results, 1)
	assert.True(t, resp.Data.Results[0].OK())
	assert.Len(t, resp.Data.Results[0].Cases, 2)
}
