package pool

import (
	"bytes"
	"io"
	"sync"
)

// Capture is the line-buffered writer handed to job bodies. Flush must be
// called when the body finishes.
type Capture interface {
	io.Writer
	Flush()
}

// NewCapture exposes the pool's line writer for callers running a job body
// outside the worker queue (synchronous runs).
func NewCapture(task string, sink OutputSink) Capture {
	return newLineWriter(task, sink)
}

// lineWriter buffers task output and forwards it to the sink one complete
// line at a time, tagged with the task name. Flush pushes any trailing
// partial line so nothing is lost when a body ends without a newline.
type lineWriter struct {
	task string
	sink OutputSink

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(task string, sink OutputSink) *lineWriter {
	return &lineWriter{task: task, sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.sink == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		b := w.buf.Bytes()
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			break
		}
		line := string(b[:i])
		w.buf.Next(i + 1)
		w.sink(w.task, line)
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if w.sink == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.sink(w.task, w.buf.String())
		w.buf.Reset()
	}
}
