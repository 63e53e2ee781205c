// Package gateway connects the protocol stacks to physical and virtual CAN
// buses.
package gateway

import (
	"errors"

	"github.com/motorlink/canstack/can"
)

// ErrBusClosed is returned by Send after Close.
var ErrBusClosed = errors.New("gateway: bus closed")

// Bus is one attachment point to a CAN network.
type Bus interface {
	// Send queues one frame for transmission.
	Send(frame can.Frame) error
	// Frames yields received frames. The channel closes when the bus does.
	Frames() <-chan can.Frame
	// Close detaches from the network.
	Close() error
}

// MemBus is an in-memory bus endpoint. NewMemBusPair wires two of them
// back to back for tests and examples.
type MemBus struct {
	tx     chan<- can.Frame
	rx     chan can.Frame
	closed chan struct{}
}

// NewMemBusPair returns two connected endpoints: frames sent on one arrive
// on the other.
func NewMemBusPair(depth int) (*MemBus, *MemBus) {
	if depth <= 0 {
		depth = 64
	}
	ab := make(chan can.Frame, depth)
	ba := make(chan can.Frame, depth)
	a := &MemBus{tx: ab, rx: ba, closed: make(chan struct{})}
	b := &MemBus{tx: ba, rx: ab, closed: make(chan struct{})}
	return a, b
}

func (m *MemBus) Send(frame can.Frame) error {
	select {
	case <-m.closed:
		return ErrBusClosed
	default:
	}
	select {
	case m.tx <- frame:
		return nil
	case <-m.closed:
		return ErrBusClosed
	}
}

func (m *MemBus) Frames() <-chan can.Frame { return m.rx }

func (m *MemBus) Close() error {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
	return nil
}
