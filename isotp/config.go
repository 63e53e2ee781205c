package isotp

import (
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/motorlink/canstack/can"
)

// Config tunes one transport instance. Zero values are filled in by
// DefaultConfig; Validate rejects combinations the state machine cannot run.
type Config struct {
	// BlockSize is advertised in our flow-control frames: how many
	// consecutive frames the peer may send before waiting for the next
	// clearance. Zero means unlimited.
	BlockSize uint8

	// STmin is the minimum separation time advertised to the peer.
	// Encodable values are 0-127ms and the 100-900 microsecond steps.
	STmin time.Duration

	// TxSTminOverride, when non-zero, replaces the separation time the
	// peer asked for. Some gateways request times slower than necessary.
	TxSTminOverride time.Duration

	// WftMax bounds how many consecutive wait flow-control frames we
	// tolerate from the peer before aborting the transmission.
	WftMax int

	// TimeoutFC is how long we wait for a flow-control frame after sending
	// a first frame or finishing a block (N_Bs).
	TimeoutFC time.Duration

	// TimeoutCF is how long we wait for the next consecutive frame while
	// receiving (N_Cr).
	TimeoutCF time.Duration

	// MaxFrameDataLen is the usable data length of transmitted frames:
	// 8 for classic CAN, up to 64 with CAN FD.
	MaxFrameDataLen int

	// MaxMsgLength bounds reassembled message size. First frames
	// announcing more than this are answered with an overflow.
	MaxMsgLength int

	// Padding, when non-nil, pads every transmitted frame to the nearest
	// valid size with the given byte.
	Padding *byte

	// CANFD marks transmitted frames as FD frames.
	CANFD bool

	// BitrateSwitch sets the BRS flag on transmitted FD frames.
	BitrateSwitch bool

	// BlockingSend makes Send wait for completion instead of returning a
	// pending request.
	BlockingSend bool

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns the settings used by most classic-CAN links.
func DefaultConfig() Config {
	return Config{
		BlockSize:       8,
		STmin:           0,
		WftMax:          0,
		TimeoutFC:       1000 * time.Millisecond,
		TimeoutCF:       1000 * time.Millisecond,
		MaxFrameDataLen: 8,
		MaxMsgLength:    4095,
		LoggerFactory:   logging.NewDefaultLoggerFactory(),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !validFrameDataLen(c.MaxFrameDataLen) {
		return fmt.Errorf("isotp: max frame data length %d is not a valid CAN size", c.MaxFrameDataLen)
	}
	if c.MaxFrameDataLen > 8 && !c.CANFD {
		return fmt.Errorf("isotp: frame data length %d requires CAN FD", c.MaxFrameDataLen)
	}
	if c.MaxMsgLength <= 0 {
		return fmt.Errorf("isotp: max message length must be positive")
	}
	if c.STmin < 0 || c.STmin > 127*time.Millisecond {
		return fmt.Errorf("isotp: stmin %v is not encodable", c.STmin)
	}
	if c.WftMax < 0 {
		return fmt.Errorf("isotp: wftmax must not be negative")
	}
	return nil
}

func validFrameDataLen(n int) bool {
	return n >= 2 && n <= 64 && can.ValidFrameSize(n)
}
