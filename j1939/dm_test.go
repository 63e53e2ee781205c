package j1939

import (
	"context"
	"testing"
	"time"

	"github.com/motorlink/canstack/dtc"
)

func confirmedRegistry(codes ...dtc.Code) *dtc.Registry {
	r := dtc.NewRegistry(dtc.DefaultRegistryConfig())
	for _, c := range codes {
		r.Report(c, true)
	}
	r.CycleReset()
	for _, c := range codes {
		r.Report(c, true)
	}
	return r
}

func TestDTCWireCodec(t *testing.T) {
	rec := dtc.Record{Code: dtc.Code{SPN: 520192, FMI: 4}, OccurrenceCount: 3}
	b := EncodeDTC(rec)
	code, occ, ok := DecodeDTC(b[:])
	if !ok {
		t.Fatal("decode failed")
	}
	if code != rec.Code || occ != 3 {
		t.Fatalf("round trip gave %s occ %d", code, occ)
	}
}

func TestDM1Broadcast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, txChan := newRawNode(t, cfg)

	registry := confirmedRegistry(dtc.Code{SPN: 100, FMI: 4})
	d := NewDiagnostics(tr, registry, DefaultDiagnosticsConfig())

	d.BroadcastDM1(context.Background())

	select {
	case frame := <-txChan:
		h := DecodeID(frame.ID)
		if h.PGN != PGNDM1 {
			t.Fatalf("pgn %#x, want DM1", h.PGN)
		}
		lamp, records, ok := DecodeDM(frame.Data)
		if !ok || lamp != LampOn {
			t.Fatalf("lamp %d ok=%v", lamp, ok)
		}
		if len(records) != 1 || records[0].Code.SPN != 100 || records[0].Code.FMI != 4 {
			t.Fatalf("records %+v", records)
		}
	case <-time.After(time.Second):
		t.Fatal("no DM1 frame")
	}
}

func TestDM1SilentWhenNoActiveCodes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, txChan := newRawNode(t, cfg)

	d := NewDiagnostics(tr, dtc.NewRegistry(dtc.DefaultRegistryConfig()), DefaultDiagnosticsConfig())
	d.BroadcastDM1(context.Background())

	select {
	case frame := <-txChan:
		t.Fatalf("unexpected frame % X", frame.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDM3ClearsEverything(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, _ := newRawNode(t, cfg)

	registry := confirmedRegistry(dtc.Code{SPN: 1, FMI: 1}, dtc.Code{SPN: 2, FMI: 2})
	d := NewDiagnostics(tr, registry, DefaultDiagnosticsConfig())

	d.HandleMessage(context.Background(), Message{PGN: PGNDM3, Source: 0x01})
	if registry.Len() != 0 {
		t.Fatalf("%d codes survived DM3", registry.Len())
	}
}

func TestDM22ClearsSingleCode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, _ := newRawNode(t, cfg)

	keep := dtc.Code{SPN: 1, FMI: 1}
	drop := dtc.Code{SPN: 2, FMI: 2}
	registry := confirmedRegistry(keep, drop)
	d := NewDiagnostics(tr, registry, DefaultDiagnosticsConfig())

	b := EncodeDTC(dtc.Record{Code: drop, OccurrenceCount: 1})
	d.HandleMessage(context.Background(), Message{PGN: PGNDM22, Source: 0x01, Data: b[:]})

	if _, ok := registry.Lookup(drop); ok {
		t.Fatal("targeted code survived DM22")
	}
	if _, ok := registry.Lookup(keep); !ok {
		t.Fatal("unrelated code removed by DM22")
	}
}

func TestDM13StopsBroadcast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, txChan := newRawNode(t, cfg)

	registry := confirmedRegistry(dtc.Code{SPN: 100, FMI: 4})
	d := NewDiagnostics(tr, registry, DefaultDiagnosticsConfig())

	d.HandleMessage(context.Background(), Message{PGN: PGNDM13, Source: 0x01, Data: []byte{0}})
	d.BroadcastDM1(context.Background())

	select {
	case frame := <-txChan:
		t.Fatalf("DM1 sent while broadcast disabled: % X", frame.Data)
	case <-time.After(100 * time.Millisecond):
	}

	d.HandleMessage(context.Background(), Message{PGN: PGNDM13, Source: 0x01, Data: []byte{1}})
	d.BroadcastDM1(context.Background())
	select {
	case frame := <-txChan:
		if DecodeID(frame.ID).PGN != PGNDM1 {
			t.Fatalf("unexpected frame % X", frame.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("DM1 not resumed after DM13 start")
	}
}

func TestDM2RespondsToRequest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Address = 0x05
	tr, _, txChan := newRawNode(t, cfg)

	healed := dtc.Code{SPN: 42, FMI: 7}
	registry := confirmedRegistry(healed)
	registry.Report(healed, false)
	d := NewDiagnostics(tr, registry, DefaultDiagnosticsConfig())

	requested := uint32(PGNDM2)
	d.HandleMessage(context.Background(), Message{
		PGN:    PGNRequest,
		Source: 0x01,
		Data:   []byte{byte(requested), byte(requested >> 8), byte(requested >> 16)},
	})

	select {
	case frame := <-txChan:
		h := DecodeID(frame.ID)
		if h.PGN != PGNDM2 {
			t.Fatalf("pgn %#x, want DM2", h.PGN)
		}
		_, records, ok := DecodeDM(frame.Data)
		if !ok || len(records) != 1 || records[0].Code != healed {
			t.Fatalf("records %+v ok=%v", records, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("no DM2 response")
	}
}
