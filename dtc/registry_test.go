package dtc

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestReportLifecycle(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.SnapshotSource = func(Code) []byte { return []byte{0xDE, 0xAD} }
	r := NewRegistry(cfg)
	code := Code{SPN: 520192, FMI: 4}

	// First failing observation: pending, not yet confirmed.
	r.Report(code, true)
	rec, ok := r.Lookup(code)
	if !ok {
		t.Fatal("code not tracked after report")
	}
	if !rec.Status.Pending || rec.Status.Confirmed {
		t.Fatalf("after first report: pending=%v confirmed=%v", rec.Status.Pending, rec.Status.Confirmed)
	}
	if rec.Snapshot != nil {
		t.Fatal("snapshot captured before confirmation")
	}

	// Repeated failure inside the same cycle does not advance qualification.
	r.Report(code, true)
	rec, _ = r.Lookup(code)
	if rec.Status.Confirmed {
		t.Fatal("confirmed within a single cycle")
	}
	if rec.OccurrenceCount != 1 {
		t.Fatalf("occurrence count %d, want 1", rec.OccurrenceCount)
	}

	// Next qualification cycle: failure persists, code is confirmed and the
	// snapshot is captured.
	r.CycleReset()
	r.Report(code, true)
	rec, _ = r.Lookup(code)
	if !rec.Status.Confirmed || rec.Stage != StageConfirmed {
		t.Fatal("not confirmed on second consecutive failing cycle")
	}
	if !bytes.Equal(rec.Snapshot, []byte{0xDE, 0xAD}) {
		t.Fatalf("snapshot % X, want DE AD", rec.Snapshot)
	}
	if rec.OccurrenceCount != 2 {
		t.Fatalf("occurrence count %d, want 2", rec.OccurrenceCount)
	}

	// Full clear removes status bits and snapshot.
	if n := r.ClearAll(); n != 1 {
		t.Fatalf("cleared %d records, want 1", n)
	}
	if _, ok := r.Lookup(code); ok {
		t.Fatal("code survived full clear")
	}
}

func TestReportPassingRetainsHistory(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	code := Code{SPN: 100, FMI: 1}

	r.Report(code, true)
	r.CycleReset()
	r.Report(code, true)

	r.Report(code, false)
	rec, _ := r.Lookup(code)
	if rec.Status.TestFailed || rec.Status.TestFailedThisCycle {
		t.Fatal("current-failure facets survived a passing result")
	}
	if !rec.Status.Confirmed || !rec.Status.TestFailedSinceClear {
		t.Fatal("history facets did not survive a passing result")
	}
}

func TestPendingDemotedAfterCleanCycle(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	code := Code{SPN: 200, FMI: 2}

	r.Report(code, true)
	r.CycleReset() // failed this cycle, credit kept
	r.CycleReset() // clean cycle, pending demoted

	// A new failure starts qualification from scratch.
	r.Report(code, true)
	r.CycleReset()
	rec, _ := r.Lookup(code)
	if rec.Status.Confirmed {
		t.Fatal("confirmed despite interrupted qualification")
	}
}

func TestQueryViews(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	failing := Code{SPN: 1, FMI: 1}
	healed := Code{SPN: 2, FMI: 2}

	for _, c := range []Code{failing, healed} {
		r.Report(c, true)
	}
	r.CycleReset()
	for _, c := range []Code{failing, healed} {
		r.Report(c, true)
	}
	r.Report(healed, false)

	active := r.Active()
	if len(active) != 2 {
		t.Fatalf("active set has %d records, want 2", len(active))
	}
	prev := r.PreviouslyActive()
	if len(prev) != 1 || prev[0].Code != healed {
		t.Fatalf("previously-active set wrong: %+v", prev)
	}

	confirmed := r.ByMask(1 << 3)
	if len(confirmed) != 2 {
		t.Fatalf("confirmed mask matched %d records, want 2", len(confirmed))
	}
	currentlyFailing := r.ByMask(1 << 0)
	if len(currentlyFailing) != 1 || currentlyFailing[0].Code != failing {
		t.Fatalf("test-failed mask wrong: %+v", currentlyFailing)
	}
}

func TestClearScopes(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())
	a := Code{SPN: 0x0100, FMI: 1}
	b := Code{SPN: 0x0200, FMI: 2}
	c := Code{SPN: 0x0201, FMI: 3}
	for _, code := range []Code{a, b, c} {
		r.Report(code, true)
	}

	if !r.ClearSingle(a) {
		t.Fatal("single clear missed an existing code")
	}
	if r.ClearSingle(a) {
		t.Fatal("single clear hit a removed code")
	}

	// Group scope: everything whose UDS number starts 0x02.
	if n := r.ClearGroup(0x020000, 0xFF0000); n != 2 {
		t.Fatalf("group clear removed %d records, want 2", n)
	}
	if r.Len() != 0 {
		t.Fatalf("registry holds %d records after clears", r.Len())
	}
}

func TestStatusByteRoundTrip(t *testing.T) {
	s := Status{TestFailed: true, Pending: true, Confirmed: true, WarningIndicator: true}
	b := s.Byte()
	if b != 0x8D {
		t.Fatalf("status byte %#x, want 0x8D", b)
	}
	if StatusFromByte(b) != s {
		t.Fatal("status byte did not round trip")
	}
}

func TestStorePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dtc.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	rec := Record{Code: Code{SPN: 520192, FMI: 4}, Stage: StageConfirmed}
	rec.Status.Confirmed = true

	isNew, err := store.IsNew(rec)
	if err != nil || !isNew {
		t.Fatalf("IsNew = %v, %v; want true, nil", isNew, err)
	}
	isNew, err = store.IsNew(rec)
	if err != nil || isNew {
		t.Fatalf("IsNew on repeat = %v, %v; want false, nil", isNew, err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Code != rec.Code || !loaded[0].Status.Confirmed {
		t.Fatalf("loaded %+v", loaded)
	}

	if err := store.Remove(rec.Code); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	loaded, _ = store.Load()
	if len(loaded) != 0 {
		t.Fatal("record survived removal")
	}

	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	loaded, _ = store.Load()
	if len(loaded) != 0 {
		t.Fatal("record survived wipe")
	}
}
