package j1939

import (
	"fmt"
	"time"

	"github.com/pion/logging"
)

// MaxMessageLen is the transport protocol ceiling: 255 packets of 7 bytes.
const MaxMessageLen = 1785

// Config tunes one network-layer node.
type Config struct {
	// Address is our source address on the bus.
	Address uint8

	// Priority for transmitted frames. Transport protocol frames use the
	// conventional priority 7 regardless.
	Priority uint8

	// T1 bounds the gap between our CTS and the first data packet.
	T1 time.Duration
	// T2 bounds the gap between consecutive data packets at the receiver.
	T2 time.Duration
	// T3 bounds how long an originator waits for CTS or EndOfMsgACK.
	T3 time.Duration
	// T4 bounds how long a receiver holds a connection open between CTS
	// clearances.
	T4 time.Duration

	// BAMInterval is the pause between broadcast data packets.
	BAMInterval time.Duration

	// CTSPackets is how many packets each CTS clears. Zero clears the
	// whole message at once.
	CTSPackets uint8

	// MaxSessions bounds concurrent inbound reassemblies. Further RTS
	// connections are aborted with the resources reason.
	MaxSessions int

	// MaxMsgLength bounds accepted message size; capped at MaxMessageLen.
	MaxMsgLength int

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig uses the J1939-21 timings.
func DefaultConfig() Config {
	return Config{
		Priority:      6,
		T1:            750 * time.Millisecond,
		T2:            1250 * time.Millisecond,
		T3:            1250 * time.Millisecond,
		T4:            1050 * time.Millisecond,
		BAMInterval:   50 * time.Millisecond,
		MaxSessions:   8,
		MaxMsgLength:  MaxMessageLen,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Address == BroadcastAddress {
		return fmt.Errorf("j1939: source address 0xFF is reserved for broadcast")
	}
	if c.MaxMsgLength <= 0 || c.MaxMsgLength > MaxMessageLen {
		return fmt.Errorf("j1939: max message length %d outside 1..%d", c.MaxMsgLength, MaxMessageLen)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("j1939: max sessions must be positive")
	}
	for _, d := range []time.Duration{c.T1, c.T2, c.T3, c.T4, c.BAMInterval} {
		if d <= 0 {
			return fmt.Errorf("j1939: timeouts must be positive")
		}
	}
	return nil
}
