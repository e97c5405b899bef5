package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

// Seq is the correlation token attached to a run request and echoed back in
// its response. It is any JSON value; the harness only ever compares it.
type Seq json.RawMessage

// IntSeq returns the token for a plain integer.
func IntSeq(n int) Seq {
	return Seq(strconv.Itoa(n))
}

// MarshalJSON emits the token verbatim.
func (s Seq) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// UnmarshalJSON keeps a copy of the raw token.
func (s *Seq) UnmarshalJSON(data []byte) error {
	if s == nil {
		return errors.New("protocol.Seq: UnmarshalJSON on nil pointer")
	}
	*s = append((*s)[:0], data...)
	return nil
}

// Equal reports whether two tokens are the same JSON text, ignoring
// insignificant whitespace.
func (s Seq) Equal(other Seq) bool {
	return bytes.Equal(compact(s), compact(other))
}

func (s Seq) String() string {
	return string(compact(s))
}

func compact(data []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return bytes.TrimSpace(data)
	}
	return buf.Bytes()
}
