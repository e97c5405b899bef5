package protocol

import (
	"encoding/json"

	"github.com/roach88/ihop/internal/suite"
)

// Version is the only IHOP version the harness speaks.
const Version = 1

// Command discriminates the four request kinds.
type Command string

const (
	CommandStart   Command = "start"
	CommandDialect Command = "dialect"
	CommandRun     Command = "run"
	CommandStop    Command = "stop"
)

// definition returns the schema.cue definition a request of this kind must satisfy.
func (c Command) definition() string {
	switch c {
	case CommandStart:
		return "#Start"
	case CommandDialect:
		return "#Dialect"
	case CommandRun:
		return "#Run"
	case CommandStop:
		return "#Stop"
	}
	return ""
}

// Request is one of StartRequest, DialectRequest, RunRequest or StopRequest.
type Request interface {
	Command() Command
}

// Response is one of StartResponse, DialectResponse, RunResponse or
// RunErroredResponse. Stop has no response.
type Response interface {
	RespondsTo() Command
}

// StartRequest opens the session.
type StartRequest struct {
	Version int
}

func (StartRequest) Command() Command { return CommandStart }

func (r StartRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Cmd     Command `json:"cmd"`
		Version int     `json:"version"`
	}{CommandStart, r.Version})
}

// DialectRequest selects the dialect for subsequent run requests.
type DialectRequest struct {
	Dialect string
}

func (DialectRequest) Command() Command { return CommandDialect }

func (r DialectRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Cmd     Command `json:"cmd"`
		Dialect string  `json:"dialect"`
	}{CommandDialect, r.Dialect})
}

// RunRequest asks the adapter to validate every test of one case.
type RunRequest struct {
	Seq  Seq
	Case suite.TestCase
}

func (RunRequest) Command() Command { return CommandRun }

// MarshalJSON writes the case in its wire shape; each test carries its
// expected validity.
func (r RunRequest) MarshalJSON() ([]byte, error) {
	type wireTest struct {
		Description string          `json:"description"`
		Comment     string          `json:"comment,omitempty"`
		Instance    json.RawMessage `json:"instance"`
		Valid       bool            `json:"valid"`
	}
	type wireCase struct {
		Description string          `json:"description"`
		Comment     string          `json:"comment,omitempty"`
		Schema      json.RawMessage `json:"schema"`
		Registry    json.RawMessage `json:"registry,omitempty"`
		Tests       []wireTest      `json:"tests"`
	}

	c := wireCase{
		Description: r.Case.Description,
		Comment:     r.Case.Comment,
		Schema:      r.Case.Schema,
		Registry:    r.Case.Registry,
		Tests:       make([]wireTest, len(r.Case.Tests)),
	}
	for i, t := range r.Case.Tests {
		c.Tests[i] = wireTest{Description: t.Description, Comment: t.Comment, Instance: t.Instance, Valid: t.Valid}
	}
	return json.Marshal(struct {
		Cmd  Command  `json:"cmd"`
		Seq  Seq      `json:"seq"`
		Case wireCase `json:"case"`
	}{CommandRun, r.Seq, c})
}

// StopRequest tells the adapter to exit. No reply is expected.
type StopRequest struct{}

func (StopRequest) Command() Command { return CommandStop }

func (StopRequest) MarshalJSON() ([]byte, error) {
	return []byte(`{"cmd":"stop"}`), nil
}

// StartResponse is the adapter's half of the handshake.
type StartResponse struct {
	Version        int            `json:"version"`
	Ready          *bool          `json:"ready,omitempty"`
	Implementation Implementation `json:"implementation"`
}

func (StartResponse) RespondsTo() Command { return CommandStart }

// IsReady treats an omitted "ready" as ready; only an explicit false refuses.
func (r StartResponse) IsReady() bool {
	return r.Ready == nil || *r.Ready
}

// DialectResponse acknowledges (or refuses) a dialect.
type DialectResponse struct {
	OK bool `json:"ok"`
}

func (DialectResponse) RespondsTo() Command { return CommandDialect }

// TestResult is an adapter's verdict for one test.
type TestResult struct {
	Valid bool `json:"valid"`
}

// RunResponse carries one verdict per test of the case, in test order.
type RunResponse struct {
	Seq     Seq          `json:"seq"`
	Results []TestResult `json:"results"`
}

func (RunResponse) RespondsTo() Command { return CommandRun }

// Verdicts returns the results as plain booleans.
func (r RunResponse) Verdicts() []bool {
	out := make([]bool, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Valid
	}
	return out
}

// RunErroredResponse reports that the adapter failed on the whole case.
type RunErroredResponse struct {
	Seq     Seq          `json:"seq"`
	Errored bool         `json:"errored"`
	Context ErrorContext `json:"context"`
}

func (RunErroredResponse) RespondsTo() Command { return CommandRun }
