package adapter

import "sync"

// DefaultStderrTail is how much of an adapter's stderr a session retains.
const DefaultStderrTail = 8 << 10

// tailBuffer keeps the last limit bytes written to it.
// It always reports success so the stderr pipe keeps draining.
type tailBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	if limit < 0 {
		limit = 0
	}
	return &tailBuffer{limit: limit}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.limit == 0 {
		tb.truncated = tb.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) >= tb.limit {
		tb.buf = append(tb.buf[:0], p[len(p)-tb.limit:]...)
		tb.truncated = true
		return len(p), nil
	}
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.limit; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
		tb.truncated = true
	}
	return len(p), nil
}

// String returns the retained tail, prefixed with "..." if bytes were dropped.
func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.truncated && len(tb.buf) > 0 {
		return "..." + string(tb.buf)
	}
	return string(tb.buf)
}
