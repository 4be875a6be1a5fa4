package mcpserver

import (
	"sync"

	"github.com/isdmx/cratebox/sandbox"
)

// tailSink keeps the last max lines of each stream.
type tailSink struct {
	mu      sync.Mutex
	max     int
	stdout  []string
	stderr  []string
	dropped int
}

func newTailSink(maxLines int) *tailSink {
	return &tailSink{max: max(maxLines, 1)}
}

func (t *tailSink) Line(l sandbox.LogLine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := &t.stdout
	if l.Stream == sandbox.Stderr {
		lines = &t.stderr
	}
	*lines = append(*lines, l.Text)
	if len(*lines) > t.max {
		// Drop the oldest line.
		n := copy(*lines, (*lines)[1:])
		*lines = (*lines)[:n]
		t.dropped++
	}
}

func (t *tailSink) snapshot() (stdout, stderr []string, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stdout = append([]string{}, t.stdout...)
	stderr = append([]string{}, t.stderr...)
	return stdout, stderr, t.dropped
}
