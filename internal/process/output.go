package process

import (
	"bytes"
	"log/slog"
	"sync"
)

type (
	// tailBuffer keeps the last max bytes written to it
	tailBuffer struct {
		mu  sync.Mutex
		buf []byte
		max int
	}

	// lineLogger logs each complete line written to it and optionally
	// copies the raw bytes to a tail buffer
	lineLogger struct {
		logger  *slog.Logger
		stream  string
		tail    *tailBuffer
		partial []byte
	}
)

const maxLineLength = 4096

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func newLineLogger(
	logger *slog.Logger, stream string, tail *tailBuffer,
) *lineLogger {
	return &lineLogger{logger: logger, stream: stream, tail: tail}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	if l.tail != nil {
		_, _ = l.tail.Write(p)
	}
	data := append(l.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		l.emit(data[:idx])
		data = data[idx+1:]
	}
	if len(data) > maxLineLength {
		l.emit(data)
		data = nil
	}
	l.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (l *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	l.logger.Debug("Sandbox output",
		slog.String("stream", l.stream),
		slog.String("line", string(line)))
}
