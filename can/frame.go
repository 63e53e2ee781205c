// Package can provides the shared frame model used by every layer of the
// stack: classic CAN and CAN-FD frames, DLC handling and padding.
package can

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// MaxClassicDataLen is the payload limit of a classic CAN frame.
	MaxClassicDataLen = 8
	// MaxFDDataLen is the payload limit of a CAN-FD frame.
	MaxFDDataLen = 64

	// MaxStandardID is the highest 11-bit identifier.
	MaxStandardID = 0x7FF
	// MaxExtendedID is the highest 29-bit identifier.
	MaxExtendedID = 0x1FFFFFFF
)

// Frame is a single data-link frame. It is treated as immutable once
// received; layers that need to keep payload bytes must copy them.
type Frame struct {
	ID            uint32
	Data          []byte
	IsExtended    bool
	IsFD          bool
	IsRemote      bool
	BitrateSwitch bool
}

// Validate checks identifier width and payload length against the frame kind.
func (f Frame) Validate() error {
	switch {
	case f.IsExtended && f.ID > MaxExtendedID:
		return fmt.Errorf("can: extended id 0x%X exceeds 29 bits", f.ID)
	case !f.IsExtended && f.ID > MaxStandardID:
		return fmt.Errorf("can: standard id 0x%X exceeds 11 bits", f.ID)
	}
	limit := MaxClassicDataLen
	if f.IsFD {
		limit = MaxFDDataLen
	}
	if len(f.Data) > limit {
		return fmt.Errorf("can: payload of %d bytes exceeds frame limit %d", len(f.Data), limit)
	}
	if f.IsFD && f.IsRemote {
		return fmt.Errorf("can: remote frames do not exist in CAN-FD")
	}
	return nil
}

func (f Frame) String() string {
	var idStr string
	if f.IsExtended {
		idStr = fmt.Sprintf("%08x", f.ID)
	} else {
		idStr = fmt.Sprintf("%03x", f.ID)
	}
	var flags []string
	if f.IsFD {
		flags = append(flags, "fd")
	}
	if f.BitrateSwitch {
		flags = append(flags, "brs")
	}
	if f.IsRemote {
		flags = append(flags, "rtr")
	}
	flagStr := ""
	if len(flags) > 0 {
		flagStr = " (" + strings.Join(flags, ",") + ")"
	}
	return fmt.Sprintf("<Frame %s [%d]%s \"%s\">", idStr, len(f.Data), flagStr, hex.EncodeToString(f.Data))
}
