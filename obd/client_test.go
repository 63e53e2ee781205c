package obd

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"
)

type fakeECU struct {
	respond func(req []byte) [][]byte
	in      chan []byte
}

func newFakeECU(respond func(req []byte) [][]byte) *fakeECU {
	return &fakeECU{respond: respond, in: make(chan []byte, 8)}
}

func (f *fakeECU) Send(_ context.Context, payload []byte) error {
	for _, resp := range f.respond(payload) {
		f.in <- resp
	}
	return nil
}

func (f *fakeECU) Messages() <-chan []byte { return f.in }

func testClient(respond func(req []byte) [][]byte) *Client {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 100 * time.Millisecond
	return NewClient(newFakeECU(respond), cfg)
}

func TestDecodeValue(t *testing.T) {
	cases := []struct {
		pid  byte
		data []byte
		want float64
		unit string
	}{
		{PIDEngineRPM, []byte{0x1A, 0xF8}, 1726, "rpm"},
		{PIDCoolantTemp, []byte{0x7B}, 83, "°C"},
		{PIDVehicleSpeed, []byte{0x4C}, 76, "km/h"},
		{PIDEngineLoad, []byte{0xFF}, 100, "%"},
		{PIDTimingAdvance, []byte{0x80}, 0, "°"},
		{PIDMAFRate, []byte{0x02, 0x6A}, 6.18, "g/s"},
		{PIDControlModuleVoltage, []byte{0x37, 0x5E}, 14.174, "V"},
		{PIDFuelPressure, []byte{0x64}, 300, "kPa"},
		{PIDAmbientTemp, []byte{0x28}, 0, "°C"},
	}
	for _, tc := range cases {
		v, err := DecodeValue(tc.pid, tc.data)
		if err != nil {
			t.Fatalf("PID 0x%02X: %v", tc.pid, err)
		}
		if math.Abs(v.Quantity-tc.want) > 1e-9 || v.Unit != tc.unit {
			t.Errorf("PID 0x%02X = %v %s, want %v %s", tc.pid, v.Quantity, v.Unit, tc.want, tc.unit)
		}
	}
}

func TestDecodeValueUnknownPIDKeepsRaw(t *testing.T) {
	v, err := DecodeValue(0x7F, []byte{0x01, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if v.Raw == nil || v.Raw[0] != 0x01 {
		t.Fatalf("raw = % X", v.Raw)
	}
}

func TestDecodeValueShortData(t *testing.T) {
	if _, err := DecodeValue(PIDEngineRPM, []byte{0x1A}); err == nil {
		t.Fatal("short RPM data accepted")
	}
}

func TestReadValue(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		if req[0] != ModeCurrentData || req[1] != PIDEngineRPM {
			t.Fatalf("request = % X", req)
		}
		return [][]byte{{0x41, PIDEngineRPM, 0x1B, 0x56}}
	})
	v, err := c.ReadValue(context.Background(), PIDEngineRPM)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v.Quantity != 1749.5 {
		t.Fatalf("rpm = %v", v.Quantity)
	}
}

func TestReadValuesSkipsFailures(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		if req[1] == PIDVehicleSpeed {
			return [][]byte{{0x7F, ModeCurrentData, 0x12}}
		}
		return [][]byte{{0x41, req[1], 0x50}}
	})
	vals := c.ReadValues(context.Background(), PIDCoolantTemp, PIDVehicleSpeed, PIDEngineLoad)
	if len(vals) != 2 {
		t.Fatalf("got %d values, want 2", len(vals))
	}
}

func TestStoredDTCs(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		if req[0] != ModeStoredDTC {
			t.Fatalf("mode = 0x%02X", req[0])
		}
		// count byte then three codes
		return [][]byte{{0x43, 0x03, 0x01, 0x33, 0x41, 0x23, 0xC1, 0x20}}
	})
	codes, err := c.StoredDTCs(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := []string{"P0133", "C0123", "U0120"}
	if !reflect.DeepEqual(codes, want) {
		t.Fatalf("codes = %v, want %v", codes, want)
	}
}

func TestClearDTCs(t *testing.T) {
	cleared := false
	c := testClient(func(req []byte) [][]byte {
		if req[0] == ModeClearDTC {
			cleared = true
			return [][]byte{{0x44}}
		}
		return nil
	})
	if err := c.ClearDTCs(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !cleared {
		t.Fatal("clear request never reached the bus")
	}
}

func TestVIN(t *testing.T) {
	vin := "1FTSW21P06EB12345"
	c := testClient(func(req []byte) [][]byte {
		if req[0] != ModeVehicleInfo || req[1] != InfoVIN {
			t.Fatalf("request = % X", req)
		}
		resp := append([]byte{0x49, InfoVIN, 0x01}, []byte(vin)...)
		return [][]byte{resp}
	})
	got, err := c.VIN(context.Background())
	if err != nil {
		t.Fatalf("VIN: %v", err)
	}
	if got != vin {
		t.Fatalf("VIN = %q", got)
	}
}

func TestSupported(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		// bits for PIDs 0x01, 0x0C, 0x0D and 0x20
		return [][]byte{{0x41, PIDSupported0120, 0x80, 0x18, 0x00, 0x01}}
	})
	pids, err := c.Supported(context.Background())
	if err != nil {
		t.Fatalf("supported: %v", err)
	}
	want := []byte{0x01, 0x0C, 0x0D, 0x20}
	if !reflect.DeepEqual(pids, want) {
		t.Fatalf("pids = % X, want % X", pids, want)
	}
}

func TestNegativeResponse(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		return [][]byte{{0x7F, req[0], 0x11}}
	})
	if _, err := c.ReadSensor(context.Background(), PIDEngineRPM); err == nil {
		t.Fatal("rejection not surfaced")
	}
}

func TestVINResponseInterleaved(t *testing.T) {
	c := testClient(func(req []byte) [][]byte {
		return [][]byte{
			{0x41, PIDEngineRPM, 0x1B, 0x56}, // stale live-data answer
			append([]byte{0x49, InfoVIN, 0x01}, []byte("WVWZZZ1JZ3W386752")...),
		}
	})
	got, err := c.VIN(context.Background())
	if err != nil {
		t.Fatalf("VIN: %v", err)
	}
	if got != "WVWZZZ1JZ3W386752" {
		t.Fatalf("VIN = %q", got)
	}
}
