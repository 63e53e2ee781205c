// Package j1939 implements the J1939-style network layer: the 29-bit
// identifier codec, the multi-packet transport protocol with RTS/CTS and
// broadcast-announce framing, and the DM diagnostic messages on top of the
// shared trouble code registry.
package j1939

// Well-known parameter group numbers.
const (
	PGNRequest      = 0x00EA00
	PGNTPConnection = 0x00EC00
	PGNTPData       = 0x00EB00
	PGNAddressClaim = 0x00EE00
)

// BroadcastAddress is the global destination address.
const BroadcastAddress = 0xFF

// Header is the decoded form of a 29-bit identifier: 3 priority bits, an
// 18-bit parameter group number and the source address. PDU1 groups carry a
// destination address in the PS byte; PDU2 groups are always broadcast.
type Header struct {
	Priority    uint8
	PGN         uint32
	Destination uint8
	Source      uint8
}

// DecodeID splits a 29-bit identifier into its header fields.
func DecodeID(id uint32) Header {
	h := Header{
		Priority: uint8(id>>26) & 0x07,
		Source:   uint8(id),
	}
	dp := id >> 24 & 0x03
	pf := id >> 16 & 0xFF
	ps := id >> 8 & 0xFF
	if pf < 240 {
		// PDU1: PS is the destination address.
		h.PGN = dp<<16 | pf<<8
		h.Destination = uint8(ps)
	} else {
		// PDU2: PS is the group extension, always broadcast.
		h.PGN = dp<<16 | pf<<8 | ps
		h.Destination = BroadcastAddress
	}
	return h
}

// Encode packs the header back into a 29-bit identifier.
func (h Header) Encode() uint32 {
	pf := h.PGN >> 8 & 0xFF
	ps := h.PGN & 0xFF
	if pf < 240 {
		ps = uint32(h.Destination)
	}
	return uint32(h.Priority&0x07)<<26 | (h.PGN>>16&0x03)<<24 | pf<<16 | ps<<8 | uint32(h.Source)
}

// IsBroadcast reports whether the message is addressed to every node.
func (h Header) IsBroadcast() bool {
	return h.Destination == BroadcastAddress
}
