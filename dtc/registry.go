package dtc

import (
	"sort"
	"sync"

	"github.com/pion/logging"
)

// Record is the full state of one trouble code: status facets, lifecycle
// stage, occurrence counting and the snapshot captured at confirmation.
type Record struct {
	Code            Code   `json:"code"`
	Status          Status `json:"status"`
	Stage           Stage  `json:"stage"`
	OccurrenceCount uint8  `json:"occurrence_count"`
	Snapshot        []byte `json:"snapshot,omitempty"`

	failedThisCycle bool
	qualCycles      int
}

// RegistryConfig tunes the confirmation policy.
type RegistryConfig struct {
	// ConfirmThreshold is how many consecutive qualification cycles a
	// failure must be observed in before the code is confirmed.
	ConfirmThreshold int

	// SnapshotSource, when set, is sampled exactly once per code at the
	// moment it transitions to confirmed. The captured blob is immutable
	// until the code is cleared.
	SnapshotSource func(Code) []byte

	// OnConfirmed is invoked with a copy of the record right after a
	// confirmation. Used to feed persistence and publishing.
	OnConfirmed func(Record)

	LoggerFactory logging.LoggerFactory
}

// DefaultRegistryConfig confirms on the second consecutive failing cycle.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ConfirmThreshold: 2,
		LoggerFactory:    logging.NewDefaultLoggerFactory(),
	}
}

// Registry owns the table of trouble codes. All methods serialize through an
// internal mutex so the UDS dispatcher and the J1939 diagnostic broadcaster
// can share one instance.
type Registry struct {
	mu      sync.Mutex
	records map[Code]*Record
	cfg     RegistryConfig
	log     logging.LeveledLogger
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.ConfirmThreshold <= 0 {
		cfg.ConfirmThreshold = 2
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Registry{
		records: make(map[Code]*Record),
		cfg:     cfg,
		log:     cfg.LoggerFactory.NewLogger("dtc"),
	}
}

// Report records one test result for a code. A failing result sets the
// test-failed and pending facets; confirmation happens only once the failure
// has been seen across the configured number of consecutive cycles. A passing
// result clears the current-failure facets but keeps confirmed history.
func (r *Registry) Report(code Code, failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[code]
	if !ok {
		if !failing {
			return
		}
		rec = &Record{Code: code}
		r.records[code] = rec
	}

	if !failing {
		rec.Status.TestFailed = false
		rec.Status.TestFailedThisCycle = false
		return
	}

	rec.Status.TestFailed = true
	rec.Status.TestFailedThisCycle = true
	rec.Status.TestFailedSinceClear = true

	if !rec.failedThisCycle {
		rec.failedThisCycle = true
		rec.qualCycles++
		if rec.OccurrenceCount < 0xFF {
			rec.OccurrenceCount++
		}
	}

	if rec.Stage == StageIdle {
		rec.Status.Pending = true
		rec.Stage = StagePending
	}

	if rec.Stage == StagePending && rec.qualCycles >= r.cfg.ConfirmThreshold {
		r.confirm(rec)
	}
}

func (r *Registry) confirm(rec *Record) {
	rec.Status.Confirmed = true
	rec.Status.WarningIndicator = true
	rec.Stage = StageConfirmed
	if r.cfg.SnapshotSource != nil && rec.Snapshot == nil {
		rec.Snapshot = r.cfg.SnapshotSource(rec.Code)
	}
	r.log.Infof("confirmed %s (occurrence %d)", rec.Code, rec.OccurrenceCount)
	if r.cfg.OnConfirmed != nil {
		r.cfg.OnConfirmed(*rec)
	}
}

// CycleReset marks the rollover to a new qualification cycle. Codes that did
// not fail during the finished cycle lose their consecutive-cycle credit, and
// a pending code that passed a whole cycle is demoted.
func (r *Registry) CycleReset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for code, rec := range r.records {
		if !rec.failedThisCycle {
			if rec.Stage == StagePending {
				rec.Status.Pending = false
				rec.Stage = StageIdle
				rec.qualCycles = 0
				if !rec.Status.TestFailedSinceClear {
					delete(r.records, code)
					continue
				}
			}
			rec.qualCycles = 0
		}
		rec.failedThisCycle = false
		rec.Status.TestFailed = false
		rec.Status.TestFailedThisCycle = false
	}
}

// Active returns the codes currently failing or confirmed, in stable order.
func (r *Registry) Active() []Record {
	return r.query(func(rec *Record) bool {
		return rec.Status.TestFailed || rec.Status.Confirmed
	})
}

// PreviouslyActive returns confirmed codes that are no longer failing.
func (r *Registry) PreviouslyActive() []Record {
	return r.query(func(rec *Record) bool {
		return rec.Status.Confirmed && !rec.Status.TestFailed
	})
}

// ByMask returns the codes whose status byte intersects mask, the filter
// shape of UDS ReadDTCInformation.
func (r *Registry) ByMask(mask byte) []Record {
	return r.query(func(rec *Record) bool {
		return rec.Status.Matches(mask)
	})
}

// Lookup returns the record for a single code.
func (r *Registry) Lookup(code Code) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[code]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (r *Registry) query(match func(*Record) bool) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code.SPN != out[j].Code.SPN {
			return out[i].Code.SPN < out[j].Code.SPN
		}
		return out[i].Code.FMI < out[j].Code.FMI
	})
	return out
}

// ClearAll removes every record, snapshots included.
func (r *Registry) ClearAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.records)
	r.records = make(map[Code]*Record)
	return n
}

// ClearGroup removes the records whose UDS number matches group under mask.
// The UDS all-groups value 0xFFFFFF with a zero mask clears everything.
func (r *Registry) ClearGroup(group, mask uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for code := range r.records {
		if code.UDSNumber()&mask == group&mask {
			delete(r.records, code)
			n++
		}
	}
	return n
}

// ClearSingle removes exactly one code. Reports whether it existed.
func (r *Registry) ClearSingle(code Code) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[code]; !ok {
		return false
	}
	delete(r.records, code)
	return true
}

// Len returns the number of tracked codes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
