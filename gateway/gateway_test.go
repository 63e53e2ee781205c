package gateway

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/can"
)

func TestMemBusPair(t *testing.T) {
	a, b := NewMemBusPair(8)
	defer a.Close()
	defer b.Close()

	sent := can.Frame{ID: 0x7E0, Data: []byte{0x02, 0x10, 0x01}}
	if err := a.Send(sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-b.Frames():
		if got.ID != sent.ID || !bytes.Equal(got.Data, sent.Data) {
			t.Fatalf("got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestMemBusSendAfterClose(t *testing.T) {
	a, _ := NewMemBusPair(1)
	a.Close()
	if err := a.Send(can.Frame{ID: 1}); err != ErrBusClosed {
		t.Fatalf("err = %v, want ErrBusClosed", err)
	}
}

func TestSLCANCodec(t *testing.T) {
	cases := []struct {
		frame can.Frame
		line  string
	}{
		{can.Frame{ID: 0x7E0, Data: []byte{0x02, 0x10, 0x01}}, "t7E03021001\r"},
		{can.Frame{ID: 0x18DA10F1, IsExtended: true, Data: []byte{0xAA}}, "T18DA10F11AA\r"},
		{can.Frame{ID: 0x123, IsRemote: true}, "r1230\r"},
	}

	for _, tc := range cases {
		line, err := encodeSLCAN(tc.frame)
		if err != nil {
			t.Fatalf("encode %v: %v", tc.frame, err)
		}
		if line != tc.line {
			t.Errorf("encode %v = %q, want %q", tc.frame, line, tc.line)
		}
		got, err := decodeSLCAN(strings.TrimRight(line, "\r"))
		if err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if got.ID != tc.frame.ID || got.IsExtended != tc.frame.IsExtended ||
			got.IsRemote != tc.frame.IsRemote || !bytes.Equal(got.Data, tc.frame.Data) {
			t.Errorf("decode %q = %+v, want %+v", line, got, tc.frame)
		}
	}
}

func TestSLCANDecodeRejectsGarbage(t *testing.T) {
	for _, line := range []string{"x123", "t7E", "t7E0Z", "t7E021"} {
		if _, err := decodeSLCAN(line); err == nil {
			t.Errorf("line %q accepted", line)
		}
	}
}

// pipeEndpoint adapts an io.Pipe pair to the ReadWriteCloser the serial bus
// wants, standing in for a real adapter.
type pipeEndpoint struct {
	io.Reader
	io.Writer
	closeFns []func() error
}

func (p *pipeEndpoint) Close() error {
	for _, fn := range p.closeFns {
		fn()
	}
	return nil
}

func TestSerialBusReadLoop(t *testing.T) {
	fromAdapter, toBus := io.Pipe()
	ep := &pipeEndpoint{
		Reader:   fromAdapter,
		Writer:   io.Discard,
		closeFns: []func() error{fromAdapter.Close, func() error { return toBus.Close() }},
	}
	bus := newSerialBus(ep, logging.NewDefaultLoggerFactory())
	defer bus.Close()

	go func() {
		io.WriteString(toBus, "t0C8310203A\r")
		io.WriteString(toBus, "garbage\r")
		io.WriteString(toBus, "T18FECA002AABB\r")
	}()

	want := []can.Frame{
		{ID: 0x0C8, Data: []byte{0x10, 0x20, 0x3A}},
		{ID: 0x18FECA00, IsExtended: true, Data: []byte{0xAA, 0xBB}},
	}
	for _, w := range want {
		select {
		case got := <-bus.Frames():
			if got.ID != w.ID || !bytes.Equal(got.Data, w.Data) {
				t.Fatalf("got %v, want %v", got, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame 0x%X never arrived", w.ID)
		}
	}
}

func TestTraceRecordsBothDirections(t *testing.T) {
	a, b := NewMemBusPair(8)
	var buf bytes.Buffer
	traced := NewTrace(a, &buf)
	defer traced.Close()
	defer b.Close()

	if err := traced.Send(can.Frame{ID: 0x7E0, Data: []byte{0x01}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := b.Send(can.Frame{ID: 0x7E8, Data: []byte{0x02}}); err != nil {
		t.Fatalf("reply: %v", err)
	}
	select {
	case <-traced.Frames():
	case <-time.After(time.Second):
		t.Fatal("reply never surfaced")
	}

	out := buf.String()
	if !strings.Contains(out, "tx") || !strings.Contains(out, "7e0") {
		t.Fatalf("trace missing tx line: %q", out)
	}
	if !strings.Contains(out, "rx") || !strings.Contains(out, "7e8") {
		t.Fatalf("trace missing rx line: %q", out)
	}
}
