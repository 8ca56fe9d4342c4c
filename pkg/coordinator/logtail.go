package coordinator

import (
	"strings"
	"sync"
)

// logTail keeps the last N log lines of one execution. When the buffer wraps,
// a marker records that earlier output was dropped; logs are never dropped
// silently.
type logTail struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial string
	dropped bool
}

func newLogTail(max int) *logTail {
	if max <= 0 {
		max = 100
	}
	return &logTail{max: max}
}

// Append consumes a raw chunk, splitting it into lines. A trailing fragment
// without a newline is held until the next chunk completes it.
func (t *logTail) Append(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	text := t.partial + string(data)
	parts := strings.Split(text, "\n")
	t.partial = parts[len(parts)-1]

	for _, line := range parts[:len(parts)-1] {
		t.lines = append(t.lines, line)
	}
	if over := len(t.lines) - t.max; over > 0 {
		t.lines = t.lines[over:]
		t.dropped = true
	}
}

// Tail returns the retained lines plus any unterminated fragment. dropped
// reports whether earlier output was discarded.
func (t *logTail) Tail() (lines []string, dropped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.lines)+1)
	out = append(out, t.lines...)
	if t.partial != "" {
		out = append(out, t.partial)
	}
	return out, t.dropped
}
