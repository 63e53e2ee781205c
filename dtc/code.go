// Package dtc holds the shared diagnostic trouble code model: the code
// identifiers, their status facets and the registry that both the UDS
// dispatcher and the J1939 diagnostic messages populate and query.
package dtc

import "fmt"

// Code identifies one fault: a suspect parameter number naming the failing
// component and a failure mode indicator naming how it failed. UDS carries
// the same pair packed into a 3-byte DTC number.
type Code struct {
	SPN uint32
	FMI uint8
}

// CodeFromUDS unpacks a 3-byte UDS DTC number.
func CodeFromUDS(high, mid, low byte) Code {
	return Code{SPN: uint32(high)<<8 | uint32(mid), FMI: low}
}

// UDS packs the code into its 3-byte UDS representation.
func (c Code) UDS() (high, mid, low byte) {
	return byte(c.SPN >> 8), byte(c.SPN), c.FMI
}

// UDSNumber returns the 3-byte representation as one integer, as used by
// group-of-DTC clear scopes.
func (c Code) UDSNumber() uint32 {
	return c.SPN<<8 | uint32(c.FMI)
}

func (c Code) String() string {
	return fmt.Sprintf("SPN %d FMI %d", c.SPN, c.FMI)
}
