package sandbox

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a build process.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateTimedOut  State = "timed_out"
	StateKilled    State = "killed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is one of the final states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateKilled, StateFailed:
		return true
	default:
		return false
	}
}

// KillReason says why a Killed process was stopped.
type KillReason string

const (
	ReasonCancelled           KillReason = "cancelled"
	ReasonDiskQuotaExceeded   KillReason = "disk_quota_exceeded"
	ReasonMemoryLimitExceeded KillReason = "memory_limit_exceeded"
	ReasonSignal              KillReason = "signal"
)

// Outcome is the terminal result of a build process. A non-zero exit code is
// a Completed outcome, not an error.
type Outcome struct {
	State    State         `json:"state"`
	ExitCode int           `json:"exit_code"`
	Reason   KillReason    `json:"reason,omitempty"`
	Signal   string        `json:"signal,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Success reports whether the process completed with exit code 0.
func (o Outcome) Success() bool {
	return o.State == StateCompleted && o.ExitCode == 0
}

func (o Outcome) String() string {
	switch o.State {
	case StateCompleted:
		return fmt.Sprintf("completed (exit code %d)", o.ExitCode)
	case StateKilled:
		if o.Signal != "" {
			return fmt.Sprintf("killed (%s: %s)", o.Reason, o.Signal)
		}
		return fmt.Sprintf("killed (%s)", o.Reason)
	default:
		return string(o.State)
	}
}

// Stream identifies the output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// LogLine is one line of build output, without its line terminator.
type LogLine struct {
	Stream Stream    `json:"stream"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
}

// LogSink receives output lines as they are produced. The runner never calls
// a sink concurrently; lines of one stream arrive in order.
type LogSink interface {
	Line(LogLine)
}

// SinkFunc adapts a function to LogSink.
type SinkFunc func(LogLine)

func (f SinkFunc) Line(l LogLine) { f(l) }

// Collector is a LogSink that keeps every line in memory.
type Collector struct {
	mu    sync.Mutex
	lines []LogLine
}

func (c *Collector) Line(l LogLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, l)
}

// Lines returns a copy of the collected lines.
func (c *Collector) Lines() []LogLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogLine(nil), c.lines...)
}

// Text returns the text of the collected lines of one stream.
func (c *Collector) Text(stream Stream) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, l := range c.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}
