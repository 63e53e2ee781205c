package gateway

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/motorlink/canstack/can"
)

// Trace wraps a bus and writes every frame crossing it to a writer, one line
// per frame with direction and a microsecond timestamp.
type Trace struct {
	inner Bus
	rx    chan can.Frame

	mu sync.Mutex
	w  io.Writer
}

// NewTrace starts tracing the given bus. The returned value replaces it:
// frames must be sent and received through the trace.
func NewTrace(inner Bus, w io.Writer) *Trace {
	t := &Trace{inner: inner, rx: make(chan can.Frame, 64), w: w}
	go t.pump()
	return t
}

func (t *Trace) pump() {
	defer close(t.rx)
	for frame := range t.inner.Frames() {
		t.record("rx", frame)
		t.rx <- frame
	}
}

func (t *Trace) record(dir string, frame can.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stamp := time.Now().Format("15:04:05.000000")
	fmt.Fprintf(t.w, "%s %s %s\n", stamp, dir, frame)
}

func (t *Trace) Send(frame can.Frame) error {
	if err := t.inner.Send(frame); err != nil {
		return err
	}
	t.record("tx", frame)
	return nil
}

func (t *Trace) Frames() <-chan can.Frame { return t.rx }

func (t *Trace) Close() error { return t.inner.Close() }

// OpenTraceFile creates a trace log under a per-day directory, named with a
// minute-resolution timestamp so repeated runs do not clobber each other.
func OpenTraceFile(root, name string) (*os.File, error) {
	now := time.Now()
	dir := filepath.Join(root, fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("gateway: create trace dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", name, now.Format("20060102_1504")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("gateway: open trace file: %w", err)
	}
	return f, nil
}
