package process

import (
	"bytes"
	"strings"

	"github.com/imyashkale/mcphost/internal/logger"
	"github.com/sirupsen/logrus"
)

const maxLineBytes = 64 * 1024

// lineLogger forwards a child's output to the structured log, one entry per
// line, and keeps a copy in the instance's output log.
type lineLogger struct {
	entry  *logrus.Entry
	stream string
	out    *OutputLog
	buf    []byte
}

func newLineLogger(instanceID, stream string, out *OutputLog) *lineLogger {
	return &lineLogger{
		entry:  logger.WithInstance(instanceID).WithField("stream", stream),
		stream: stream,
		out:    out,
	}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	// A child that never writes a newline must not grow the buffer forever.
	if len(w.buf) > maxLineBytes {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

func (w *lineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	w.entry.Info(text)
	if w.out != nil {
		w.out.Append(w.stream, text)
	}
}
