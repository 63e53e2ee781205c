package isotp

import (
	"fmt"

	"github.com/motorlink/canstack/can"
)

// AddressingMode selects how an ISO-TP link maps onto CAN identifiers.
type AddressingMode uint8

const (
	Normal11Bits AddressingMode = iota
	Normal29Bits
	NormalFixed29Bits
	Extended11Bits
	Extended29Bits
	Mixed11Bits
	Mixed29Bits
)

// TargetType distinguishes point-to-point requests from broadcast ones.
type TargetType uint8

const (
	Physical TargetType = iota
	Functional
)

// Prefixes of the 29-bit arbitration id in normal-fixed and mixed addressing.
const (
	normalFixedPhysicalBase   = 0x18DA0000
	normalFixedFunctionalBase = 0x18DB0000
	mixedPhysicalBase         = 0x18CE0000
	mixedFunctionalBase       = 0x18CD0000
)

// Address describes one ISO-TP link: which identifiers we transmit on, which
// we accept, and the optional in-payload address byte.
type Address struct {
	Mode             AddressingMode
	TxID             uint32
	RxID             uint32
	TargetAddress    uint8
	SourceAddress    uint8
	AddressExtension uint8

	// FunctionalID overrides the functional-target arbitration id for the
	// fixed 29-bit modes; zero keeps the standard base.
	FunctionalID uint32
}

// Validate checks the fields required by the selected mode.
func (a *Address) Validate() error {
	switch a.Mode {
	case Normal11Bits, Normal29Bits:
		if a.TxID == a.RxID {
			return fmt.Errorf("isotp: txid and rxid must differ for normal addressing")
		}
	case NormalFixed29Bits, Mixed29Bits:
		if a.TargetAddress == 0 && a.SourceAddress == 0 {
			return fmt.Errorf("isotp: target and source addresses must be set for fixed 29-bit addressing")
		}
	case Extended11Bits, Extended29Bits:
		if a.TxID == a.RxID {
			return fmt.Errorf("isotp: txid and rxid must differ for extended addressing")
		}
	case Mixed11Bits:
	default:
		return fmt.Errorf("isotp: unknown addressing mode %d", a.Mode)
	}
	return nil
}

// Is29Bit reports whether this link uses extended CAN identifiers.
func (a *Address) Is29Bit() bool {
	switch a.Mode {
	case Normal29Bits, NormalFixed29Bits, Extended29Bits, Mixed29Bits:
		return true
	}
	return false
}

// TxPayloadPrefix returns the address byte prepended to transmitted payloads,
// empty for normal addressing.
func (a *Address) TxPayloadPrefix() []byte {
	switch a.Mode {
	case Extended11Bits, Extended29Bits:
		return []byte{a.TargetAddress}
	case Mixed11Bits, Mixed29Bits:
		return []byte{a.AddressExtension}
	}
	return nil
}

// RxPrefixSize returns how many leading payload bytes carry addressing.
func (a *Address) RxPrefixSize() int {
	switch a.Mode {
	case Extended11Bits, Extended29Bits, Mixed11Bits, Mixed29Bits:
		return 1
	}
	return 0
}

// TxArbitrationID returns the identifier to transmit on for the target type.
func (a *Address) TxArbitrationID(target TargetType) uint32 {
	switch a.Mode {
	case NormalFixed29Bits:
		base := uint32(normalFixedPhysicalBase)
		if target == Functional {
			base = normalFixedFunctionalBase
			if a.FunctionalID != 0 {
				base = a.FunctionalID & 0x1FFF0000
			}
		}
		return base | uint32(a.TargetAddress)<<8 | uint32(a.SourceAddress)
	case Mixed29Bits:
		base := uint32(mixedPhysicalBase)
		if target == Functional {
			base = mixedFunctionalBase
			if a.FunctionalID != 0 {
				base = a.FunctionalID & 0x1FFF0000
			}
		}
		return base | uint32(a.TargetAddress)<<8 | uint32(a.SourceAddress)
	default:
		return a.TxID
	}
}

// IsForMe reports whether an inbound frame belongs to this link.
func (a *Address) IsForMe(frame can.Frame) bool {
	if frame.IsExtended != a.Is29Bit() {
		return false
	}
	switch a.Mode {
	case Normal11Bits, Normal29Bits:
		return frame.ID == a.RxID
	case Extended11Bits, Extended29Bits:
		return frame.ID == a.RxID && len(frame.Data) > 0 && frame.Data[0] == a.SourceAddress
	case Mixed11Bits:
		return frame.ID == a.RxID && len(frame.Data) > 0 && frame.Data[0] == a.AddressExtension
	case NormalFixed29Bits:
		base := frame.ID & 0x1FFF0000
		if base != normalFixedPhysicalBase && base != normalFixedFunctionalBase {
			return false
		}
		return uint8(frame.ID>>8) == a.SourceAddress && uint8(frame.ID) == a.TargetAddress
	case Mixed29Bits:
		base := frame.ID & 0x1FFF0000
		if base != mixedPhysicalBase && base != mixedFunctionalBase {
			return false
		}
		return uint8(frame.ID>>8) == a.SourceAddress && uint8(frame.ID) == a.TargetAddress &&
			len(frame.Data) > 0 && frame.Data[0] == a.AddressExtension
	}
	return false
}
