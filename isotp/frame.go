package isotp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/motorlink/canstack/can"
)

// Protocol control information nibbles, carried in the high nibble of the
// first ISO-TP payload byte.
const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
)

// FlowStatus is the action field of a FlowControl frame.
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)

// SegmentEvent is one decoded ISO-TP protocol data unit: SingleFrame,
// FirstFrame, ConsecutiveFrame or FlowControlFrame.
type SegmentEvent interface {
	isSegmentEvent()
}

// SingleFrame carries a complete message in one frame.
type SingleFrame struct {
	Data []byte
}

// FirstFrame opens a multi-frame message and announces its total size.
type FirstFrame struct {
	TotalSize int
	Data      []byte
}

// ConsecutiveFrame continues a multi-frame message.
type ConsecutiveFrame struct {
	SequenceNumber int
	Data           []byte
}

// FlowControlFrame paces the sender of a multi-frame message.
type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func (*SingleFrame) isSegmentEvent()      {}
func (*FirstFrame) isSegmentEvent()       {}
func (*ConsecutiveFrame) isSegmentEvent() {}
func (*FlowControlFrame) isSegmentEvent() {}

// DecodeSTmin maps the wire encoding of the minimum separation time to a
// duration: 0x00-0x7F are milliseconds, 0xF1-0xF9 are 100-microsecond steps.
// Reserved values are interpreted as the maximum, per ISO 15765-2.
func DecodeSTmin(b byte) time.Duration {
	if b <= 0x7F {
		return time.Duration(b) * time.Millisecond
	}
	if b >= 0xF1 && b <= 0xF9 {
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	}
	return 127 * time.Millisecond
}

// EncodeSTmin is the inverse of DecodeSTmin. Durations that fall between
// representable values are rounded down; anything above 127ms clamps.
func EncodeSTmin(d time.Duration) byte {
	if d <= 0 {
		return 0x00
	}
	if d < time.Millisecond {
		steps := d / (100 * time.Microsecond)
		if steps < 1 {
			steps = 1
		}
		if steps > 9 {
			steps = 9
		}
		return 0xF0 | byte(steps)
	}
	ms := d / time.Millisecond
	if ms > 0x7F {
		ms = 0x7F
	}
	return byte(ms)
}

// ParseFrame decodes the ISO-TP payload of a CAN frame into a SegmentEvent.
// rxPrefixSize bytes (the extended/mixed addressing prefix) are skipped.
func ParseFrame(frame can.Frame, rxPrefixSize int) (SegmentEvent, error) {
	if len(frame.Data) <= rxPrefixSize {
		return nil, newInvalidFrame(fmt.Sprintf("frame payload of %d bytes does not exceed address prefix of %d", len(frame.Data), rxPrefixSize))
	}
	payload := frame.Data[rxPrefixSize:]

	switch payload[0] & 0xF0 {
	case pciSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 {
			// CAN-FD escape: the real length lives in the second byte.
			if len(payload) < 2 {
				return nil, newInvalidFrame("single frame escape sequence truncated")
			}
			length = int(payload[1])
			if length == 0 {
				return nil, newInvalidFrame("single frame with zero length")
			}
			if len(payload)-2 < length {
				return nil, newInvalidFrame(fmt.Sprintf("single frame declares %d bytes but carries %d", length, len(payload)-2))
			}
			return &SingleFrame{Data: payload[2 : 2+length]}, nil
		}
		if len(payload)-1 < length {
			return nil, newInvalidFrame(fmt.Sprintf("single frame declares %d bytes but carries %d", length, len(payload)-1))
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil

	case pciFirstFrame:
		if len(payload) < 2 {
			return nil, newInvalidFrame("first frame shorter than 2 bytes")
		}
		totalSize := (int(payload[0]&0x0F) << 8) | int(payload[1])
		dataStart := 2
		if totalSize == 0 {
			// Escape: 32-bit length for messages above 4095 bytes.
			if len(payload) < 6 {
				return nil, newInvalidFrame("first frame escape sequence truncated")
			}
			totalSize = int(binary.BigEndian.Uint32(payload[2:6]))
			dataStart = 6
		}
		chunk := payload[dataStart:]
		if len(chunk) > totalSize {
			chunk = chunk[:totalSize]
		}
		return &FirstFrame{TotalSize: totalSize, Data: chunk}, nil

	case pciConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: int(payload[0] & 0x0F), Data: payload[1:]}, nil

	case pciFlowControl:
		if len(payload) < 3 {
			return nil, newInvalidFrame("flow control frame shorter than 3 bytes")
		}
		fs := FlowStatus(payload[0] & 0x0F)
		if fs > FlowStatusOverflow {
			return nil, newInvalidFrame(fmt.Sprintf("unknown flow status %d", fs))
		}
		return &FlowControlFrame{
			FlowStatus: fs,
			BlockSize:  int(payload[1]),
			STmin:      DecodeSTmin(payload[2]),
		}, nil
	}
	return nil, newInvalidFrame(fmt.Sprintf("unknown PCI type 0x%02X", payload[0]&0xF0))
}
