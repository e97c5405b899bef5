package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/ihop/internal/suite"
)

//go:embed schema.cue
var schemaCUE string

// DecodeError reports a line that is not a valid IHOP message.
// The session that received it treats it as a protocol violation.
type DecodeError struct {
	Line   string // offending line, truncated
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid message (%s): %v; response=%s", e.Reason, e.Err, e.Line)
	}
	return fmt.Sprintf("invalid message (%s); response=%s", e.Reason, e.Line)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const maxQuotedLine = 512

func newDecodeError(line []byte, reason string, err error) *DecodeError {
	quoted := string(line)
	if len(quoted) > maxQuotedLine {
		quoted = quoted[:maxQuotedLine] + "..."
	}
	return &DecodeError{Line: quoted, Reason: reason, Err: err}
}

// Codec frames and parses IHOP messages.
//
// Thread-safety: a Codec may be shared, validation is serialized internally
// because CUE values are not safe for concurrent use. Sessions normally own
// one each.
type Codec struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewCodec compiles the embedded message schema.
func NewCodec() (*Codec, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile protocol schema: %w", err)
	}
	return &Codec{ctx: ctx, schema: schema}, nil
}

// MustCodec is NewCodec for callers that cannot recover; the schema is
// embedded, so failure is a build defect.
func MustCodec() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// Encode serializes a message as a single newline-terminated line.
func (c *Codec) Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	// encoding/json escapes control characters, so the only newline is ours.
	return append(data, '\n'), nil
}

// DecodeRequest parses a line sent by the harness.
// An unknown "cmd" is an error, never a no-op.
func (c *Codec) DecodeRequest(line []byte) (Request, error) {
	line = bytes.TrimSpace(line)
	if err := wellFormed(line); err != nil {
		return nil, err
	}

	var envelope struct {
		Cmd *string `json:"cmd"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return nil, newDecodeError(line, "not an object", err)
	}
	if envelope.Cmd == nil {
		return nil, newDecodeError(line, "missing cmd", nil)
	}

	cmd := Command(*envelope.Cmd)
	def := cmd.definition()
	if def == "" {
		return nil, newDecodeError(line, fmt.Sprintf("unknown cmd %q", cmd), nil)
	}
	if err := c.validate(def, line); err != nil {
		return nil, err
	}

	switch cmd {
	case CommandStart:
		var wire struct {
			Version int `json:"version"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, newDecodeError(line, "start", err)
		}
		return StartRequest{Version: wire.Version}, nil
	case CommandDialect:
		var wire struct {
			Dialect string `json:"dialect"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, newDecodeError(line, "dialect", err)
		}
		return DialectRequest{Dialect: wire.Dialect}, nil
	case CommandRun:
		var wire struct {
			Seq  Seq            `json:"seq"`
			Case suite.TestCase `json:"case"`
		}
		if err := json.Unmarshal(line, &wire); err != nil {
			return nil, newDecodeError(line, "run", err)
		}
		return RunRequest{Seq: wire.Seq, Case: wire.Case}, nil
	default:
		return StopRequest{}, nil
	}
}

// DecodeResponse parses an adapter's reply to a request of kind cmd.
func (c *Codec) DecodeResponse(cmd Command, line []byte) (Response, error) {
	line = bytes.TrimSpace(line)
	if err := wellFormed(line); err != nil {
		return nil, err
	}

	switch cmd {
	case CommandStart:
		if err := c.validate("#StartResponse", line); err != nil {
			return nil, err
		}
		var resp StartResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, newDecodeError(line, "start response", err)
		}
		return resp, nil

	case CommandDialect:
		if err := c.validate("#DialectResponse", line); err != nil {
			return nil, err
		}
		var resp DialectResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, newDecodeError(line, "dialect response", err)
		}
		return resp, nil

	case CommandRun:
		var shape struct {
			Errored *bool `json:"errored"`
		}
		if err := json.Unmarshal(line, &shape); err != nil {
			return nil, newDecodeError(line, "not an object", err)
		}
		if shape.Errored != nil && *shape.Errored {
			if err := c.validate("#RunErrored", line); err != nil {
				return nil, err
			}
			var resp RunErroredResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, newDecodeError(line, "run errored response", err)
			}
			return resp, nil
		}
		if err := c.validate("#RunResults", line); err != nil {
			return nil, err
		}
		var resp RunResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, newDecodeError(line, "run response", err)
		}
		return resp, nil
	}

	return nil, newDecodeError(line, fmt.Sprintf("no response is defined for cmd %q", cmd), nil)
}

func wellFormed(line []byte) error {
	if len(line) == 0 {
		return newDecodeError(line, "empty line", nil)
	}
	if !json.Valid(line) {
		return newDecodeError(line, "not JSON", nil)
	}
	return nil
}

// validate unifies the line with the named definition and requires the result
// to be concrete, which is what makes required fields required.
func (c *Codec) validate(def string, line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expr, err := cuejson.Extract("message", line)
	if err != nil {
		return newDecodeError(line, "not JSON", err)
	}
	value := c.ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return newDecodeError(line, "not JSON", err)
	}

	schema := c.schema.LookupPath(cue.ParsePath(def))
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return newDecodeError(line, "does not match "+strings.TrimPrefix(def, "#"), firstCUEError(err))
	}
	return nil
}

func firstCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return errs[0]
}
