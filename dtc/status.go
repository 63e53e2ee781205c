package dtc

// Status bit positions on the wire, per the UDS DTC status byte.
const (
	StatusTestFailed                = 1 << 0
	StatusTestFailedThisCycle       = 1 << 1
	StatusPending                   = 1 << 2
	StatusConfirmed                 = 1 << 3
	StatusTestNotCompletedSinceClr  = 1 << 4
	StatusTestFailedSinceClear      = 1 << 5
	StatusTestNotCompletedThisCycle = 1 << 6
	StatusWarningIndicator          = 1 << 7
)

// Status is the set of named facets of one trouble code. Keeping them as
// booleans instead of a raw byte keeps transitions exhaustive; Byte converts
// to the wire form on demand.
type Status struct {
	TestFailed                bool
	TestFailedThisCycle       bool
	Pending                   bool
	Confirmed                 bool
	TestNotCompletedSinceClr  bool
	TestFailedSinceClear      bool
	TestNotCompletedThisCycle bool
	WarningIndicator          bool
}

// Byte encodes the status facets as the UDS status byte.
func (s Status) Byte() byte {
	var b byte
	if s.TestFailed {
		b |= StatusTestFailed
	}
	if s.TestFailedThisCycle {
		b |= StatusTestFailedThisCycle
	}
	if s.Pending {
		b |= StatusPending
	}
	if s.Confirmed {
		b |= StatusConfirmed
	}
	if s.TestNotCompletedSinceClr {
		b |= StatusTestNotCompletedSinceClr
	}
	if s.TestFailedSinceClear {
		b |= StatusTestFailedSinceClear
	}
	if s.TestNotCompletedThisCycle {
		b |= StatusTestNotCompletedThisCycle
	}
	if s.WarningIndicator {
		b |= StatusWarningIndicator
	}
	return b
}

// StatusFromByte decodes a UDS status byte into facets.
func StatusFromByte(b byte) Status {
	return Status{
		TestFailed:                b&StatusTestFailed != 0,
		TestFailedThisCycle:       b&StatusTestFailedThisCycle != 0,
		Pending:                   b&StatusPending != 0,
		Confirmed:                 b&StatusConfirmed != 0,
		TestNotCompletedSinceClr:  b&StatusTestNotCompletedSinceClr != 0,
		TestFailedSinceClear:      b&StatusTestFailedSinceClear != 0,
		TestNotCompletedThisCycle: b&StatusTestNotCompletedThisCycle != 0,
		WarningIndicator:          b&StatusWarningIndicator != 0,
	}
}

// Matches reports whether any facet selected by mask is set.
func (s Status) Matches(mask byte) bool {
	return s.Byte()&mask != 0
}

// Stage is the coarse lifecycle of a code, derived from but easier to switch
// on than the individual facets.
type Stage uint8

const (
	StageIdle Stage = iota
	StagePending
	StageConfirmed
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StagePending:
		return "pending"
	case StageConfirmed:
		return "confirmed"
	}
	return "unknown"
}
