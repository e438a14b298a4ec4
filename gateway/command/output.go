package command

import (
	"bytes"
	"sync"

	"github.com/hooksync/hooksync/logger"
)

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mtx sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return string(bytes.TrimSpace(t.buf))
}

// limitedBuffer captures up to max bytes and remembers whether more was written.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := l.max - l.buf.Len(); room < len(p) {
		l.truncated = true
		if room < 0 {
			room = 0
		}
		p = p[:room]
	}
	l.buf.Write(p)
	return n, nil
}

func (l *limitedBuffer) Bytes() []byte { return l.buf.Bytes() }

// logWriter logs every complete line written to it.
// A trailing partial line is logged on Close.
type logWriter struct {
	mtx     sync.Mutex
	pending []byte
	log     logger.Logger
	level   logger.Level
	field   string
	maxLine int
}

func newLogWriter(l logger.Logger, level logger.Level, field string, maxLine int) *logWriter {
	return &logWriter{log: l, level: level, field: field, maxLine: maxLine}
}

func (w *logWriter) Write(in []byte) (int, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.pending = append(w.pending, in...)
	rest := w.pending
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		w.emit(bytes.TrimRight(rest[:i], "\r"))
		rest = rest[i+1:]
	}
	if len(rest) > w.maxLine {
		w.emit(rest)
		rest = nil
	}
	w.pending = append([]byte(nil), rest...)
	return len(in), nil
}

func (w *logWriter) emit(line []byte) {
	w.log.WithField(w.field, string(line)).Log(w.level, "gateway output")
}

func (w *logWriter) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if len(w.pending) > 0 {
		w.emit(w.pending)
		w.pending = nil
	}
	return nil
}
