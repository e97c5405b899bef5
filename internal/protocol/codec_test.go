package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ihop/internal/suite"
)

func sampleCase() suite.TestCase {
	return suite.TestCase{
		Description: "integer type",
		Schema:      json.RawMessage(`{"type":"integer"}`),
		Tests: []suite.Test{
			{Description: "one", Instance: json.RawMessage(`1`), Valid: true},
			{Description: "string", Instance: json.RawMessage(`"a"`), Valid: false},
		},
	}
}

func TestEncode_Requests(t *testing.T) {
	c := MustCodec()

	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"start", StartRequest{Version: Version}, `{"cmd":"start","version":1}`},
		{"dialect", DialectRequest{Dialect: suite.Draft7}, `{"cmd":"dialect","dialect":"http://json-schema.org/draft-07/schema#"}`},
		{"stop", StopRequest{}, `{"cmd":"stop"}`},
		{
			"run",
			RunRequest{Seq: IntSeq(3), Case: sampleCase()},
			`{"cmd":"run","seq":3,"case":{"description":"integer type","schema":{"type":"integer"},"tests":[{"description":"one","instance":1,"valid":true},{"description":"string","instance":"a","valid":false}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := c.Encode(tt.req)
			require.NoError(t, err)
			require.Equal(t, byte('\n'), line[len(line)-1], "frames end in a newline")
			assert.JSONEq(t, tt.want, string(line[:len(line)-1]))
		})
	}
}

func TestEncode_RunRequestCarriesValidity(t *testing.T) {
	line, err := MustCodec().Encode(RunRequest{Seq: IntSeq(1), Case: sampleCase()})
	require.NoError(t, err)

	var msg struct {
		Case struct {
			Tests []map[string]json.RawMessage `json:"tests"`
		} `json:"case"`
	}
	require.NoError(t, json.Unmarshal(line, &msg))
	require.Len(t, msg.Case.Tests, 2)
	assert.JSONEq(t, `true`, string(msg.Case.Tests[0]["valid"]))
	assert.JSONEq(t, `false`, string(msg.Case.Tests[1]["valid"]), "false is sent, not omitted")
}

func TestDecodeRequest_RoundTrip(t *testing.T) {
	c := MustCodec()

	lines := []string{
		`{"cmd":"start","version":1}`,
		`{"cmd":"dialect","dialect":"https://json-schema.org/draft/2020-12/schema"}`,
		`{"cmd":"run","seq":1,"case":{"description":"d","schema":{},"tests":[{"description":"t","instance":{},"valid":true}]}}`,
		`{"cmd":"run","seq":{"id":"x"},"case":{"description":"integer type","comment":"c","schema":{"type":"integer"},"registry":{"urn:a":{"type":"string"}},"tests":[{"description":"one","comment":"tc","instance":1,"valid":true},{"description":"string","instance":"a","valid":false}]}}`,
		`{"cmd":"stop"}`,
	}
	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			req, err := c.DecodeRequest([]byte(line))
			require.NoError(t, err)

			encoded, err := c.Encode(req)
			require.NoError(t, err)
			assert.JSONEq(t, line, string(encoded[:len(encoded)-1]))
		})
	}
}

func TestDecodeRequest_Rejects(t *testing.T) {
	c := MustCodec()

	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"empty", ``, "empty line"},
		{"not json", `cmd=start`, "not JSON"},
		{"array", `[1,2]`, "not an object"},
		{"missing cmd", `{"version":1}`, "missing cmd"},
		{"unknown cmd", `{"cmd":"restart"}`, `unknown cmd "restart"`},
		{"start without version", `{"cmd":"start"}`, "does not match Start"},
		{"start with string version", `{"cmd":"start","version":"1"}`, "does not match Start"},
		{"empty dialect", `{"cmd":"dialect","dialect":""}`, "does not match Dialect"},
		{"run without seq", `{"cmd":"run","case":{"description":"d","schema":{},"tests":[]}}`, "does not match Run"},
		{"run with test lacking instance", `{"cmd":"run","seq":1,"case":{"description":"d","schema":{},"tests":[{"description":"t"}]}}`, "does not match Run"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DecodeRequest([]byte(tt.line))
			require.Error(t, err)

			var decodeErr *DecodeError
			require.True(t, errors.As(err, &decodeErr))
			assert.Equal(t, tt.reason, decodeErr.Reason)
		})
	}
}

func TestDecodeResponse_Start(t *testing.T) {
	c := MustCodec()

	line := `{"version":1,"implementation":{"language":"go","name":"jsonschema","version":"v6.0.1","dialects":["https://json-schema.org/draft/2020-12/schema"],"os_version":"6.1","extra":"ignored"}}`
	resp, err := c.DecodeResponse(CommandStart, []byte(line))
	require.NoError(t, err)

	start := resp.(StartResponse)
	assert.Equal(t, 1, start.Version)
	assert.True(t, start.IsReady(), "omitted ready means ready")
	assert.Equal(t, "jsonschema", start.Implementation.Name)
	assert.Equal(t, "6.1", start.Implementation.OSVersion)
	assert.True(t, start.Implementation.Supports(suite.Draft2020))
	assert.False(t, start.Implementation.Supports(suite.Draft4))
}

func TestDecodeResponse_StartNotReady(t *testing.T) {
	line := `{"version":1,"ready":false,"implementation":{"language":"go","name":"x","dialects":["d"]}}`
	resp, err := MustCodec().DecodeResponse(CommandStart, []byte(line))
	require.NoError(t, err)
	assert.False(t, resp.(StartResponse).IsReady())
}

func TestDecodeResponse_StartRequiresDialects(t *testing.T) {
	c := MustCodec()

	for name, line := range map[string]string{
		"missing implementation": `{"version":1}`,
		"no dialects":            `{"version":1,"implementation":{"language":"go","name":"x","dialects":[]}}`,
		"name not a string":      `{"version":1,"implementation":{"language":"go","name":7,"dialects":["d"]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeResponse(CommandStart, []byte(line))
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, "does not match StartResponse", decodeErr.Reason)
		})
	}
}

func TestDecodeResponse_Dialect(t *testing.T) {
	c := MustCodec()

	resp, err := c.DecodeResponse(CommandDialect, []byte(`{"ok":false}`))
	require.NoError(t, err)
	assert.Equal(t, DialectResponse{OK: false}, resp)

	_, err = c.DecodeResponse(CommandDialect, []byte(`{"ok":"yes"}`))
	require.Error(t, err)
}

func TestDecodeResponse_Run(t *testing.T) {
	c := MustCodec()

	resp, err := c.DecodeResponse(CommandRun, []byte(`{"seq":7,"results":[{"valid":true},{"valid":false}]}`))
	require.NoError(t, err)

	run := resp.(RunResponse)
	assert.True(t, run.Seq.Equal(IntSeq(7)))
	assert.Equal(t, []bool{true, false}, run.Verdicts())
}

func TestDecodeResponse_RunErrored(t *testing.T) {
	c := MustCodec()

	resp, err := c.DecodeResponse(CommandRun, []byte(`{"seq":"a","errored":true,"context":{"message":"boom","traceback":"at line 1"}}`))
	require.NoError(t, err)

	errored := resp.(RunErroredResponse)
	assert.True(t, errored.Seq.Equal(Seq(`"a"`)))
	assert.Equal(t, "boom", errored.Context.Message)
	assert.Equal(t, "at line 1", errored.Context.Traceback)
}

func TestDecodeResponse_RunRejects(t *testing.T) {
	c := MustCodec()

	for name, line := range map[string]string{
		"missing seq":         `{"results":[]}`,
		"missing results":     `{"seq":1}`,
		"verdict not boolean": `{"seq":1,"results":[{"valid":"true"}]}`,
		"errored lacks seq":   `{"errored":true,"context":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.DecodeResponse(CommandRun, []byte(line))
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestDecodeResponse_StopHasNoReply(t *testing.T) {
	_, err := MustCodec().DecodeResponse(CommandStop, []byte(`{}`))
	require.Error(t, err)
}

func TestDecodeError_TruncatesLine(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	err := newDecodeError(long, "not JSON", nil)
	assert.Len(t, err.Line, maxQuotedLine+3)
}

func TestSeq(t *testing.T) {
	assert.True(t, Seq(`{"a": 1}`).Equal(Seq(`{"a":1}`)))
	assert.False(t, IntSeq(1).Equal(IntSeq(2)))
	assert.False(t, IntSeq(1).Equal(Seq(`"1"`)))
	assert.Equal(t, "12", IntSeq(12).String())

	data, err := json.Marshal(struct {
		Seq Seq `json:"seq"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":null}`, string(data))
}
