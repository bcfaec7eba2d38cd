package process

import (
	"sync"
	"time"
)

// DefaultOutputLimit bounds the output kept per instance
const DefaultOutputLimit = 64 * 1024

// per-line overhead counted against the limit besides the message itself
const lineOverhead = 48

// OutputLine is one line a backing process wrote
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

// OutputLog keeps the most recent output of one process. Once the size
// limit is hit the oldest lines are dropped.
type OutputLog struct {
	mu        sync.Mutex
	lines     []OutputLine
	size      int
	limit     int
	truncated bool
}

// NewOutputLog creates an output log holding about limit bytes
func NewOutputLog(limit int) *OutputLog {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputLog{limit: limit}
}

func lineSize(l OutputLine) int {
	return lineOverhead + len(l.Stream) + len(l.Message)
}

// Append adds a line, evicting the oldest lines past the limit
func (o *OutputLog) Append(stream, message string) {
	line := OutputLine{Timestamp: time.Now(), Stream: stream, Message: message}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.lines = append(o.lines, line)
	o.size += lineSize(line)
	for o.size > o.limit && len(o.lines) > 1 {
		o.size -= lineSize(o.lines[0])
		o.lines = o.lines[1:]
		o.truncated = true
	}
}

// Lines returns a copy of the kept lines and whether older ones were dropped
func (o *OutputLog) Lines() ([]OutputLine, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]OutputLine, len(o.lines))
	copy(out, o.lines)
	return out, o.truncated
}
