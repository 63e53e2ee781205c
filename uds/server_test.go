package uds

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/motorlink/canstack/dtc"
)

// serverTransport hands requests straight to a Server and queues its answers.
type serverTransport struct {
	srv *Server
	in  chan []byte
}

func newServerTransport(srv *Server) *serverTransport {
	return &serverTransport{srv: srv, in: make(chan []byte, 16)}
}

func (t *serverTransport) Send(_ context.Context, payload []byte) error {
	if resp := t.srv.Handle(payload); resp != nil {
		t.in <- resp
	}
	return nil
}

func (t *serverTransport) Messages() <-chan []byte { return t.in }

func newBench(t *testing.T, srvCfg ServerConfig, cliCfg ClientConfig) (*Client, *Server) {
	t.Helper()
	srv := NewServer(srvCfg)
	return NewClient(newServerTransport(srv), cliCfg), srv
}

func TestServerSessionControl(t *testing.T) {
	c, srv := newBench(t, DefaultServerConfig(), fastConfig())
	ctx := context.Background()

	timings, err := c.DiagnosticSessionControl(ctx, SessionExtended)
	if err != nil {
		t.Fatalf("session control: %v", err)
	}
	if timings.P2 != 50*time.Millisecond || timings.P2Star != 5*time.Second {
		t.Fatalf("timings = %+v", timings)
	}
	if srv.Session() != SessionExtended {
		t.Fatalf("server session = %v", srv.Session())
	}

	if _, err := c.Request(ctx, []byte{SIDDiagnosticSessionControl, 0x7E}); err == nil {
		t.Fatal("bogus session level accepted")
	}
}

func TestServerSecurityHandshake(t *testing.T) {
	mask := []byte{0x5A, 0xA5}
	srvCfg := DefaultServerConfig()
	srvCfg.VerifyKey = func(_ byte, seed, key []byte) bool {
		want, _ := XORKeyFunc(mask)(0, seed)
		return bytes.Equal(key, want)
	}
	cliCfg := fastConfig()
	cliCfg.KeyFunc = XORKeyFunc(mask)
	c, srv := newBench(t, srvCfg, cliCfg)

	if err := c.Unlock(context.Background(), 0x01); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !srv.Unlocked(0x01) {
		t.Fatal("server did not open level 0x01")
	}

	// Once open the next seed request answers all zeros.
	seed, err := c.RequestSeed(context.Background(), 0x01)
	if err != nil {
		t.Fatalf("second seed request: %v", err)
	}
	for _, b := range seed {
		if b != 0 {
			t.Fatalf("seed = % X, want zeros", seed)
		}
	}
}

func TestServerRejectsWrongKey(t *testing.T) {
	srvCfg := DefaultServerConfig()
	srvCfg.VerifyKey = func(byte, []byte, []byte) bool { return false }
	cliCfg := fastConfig()
	cliCfg.KeyFunc = XORKeyFunc([]byte{0xFF})
	c, srv := newBench(t, srvCfg, cliCfg)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Unlock(ctx, 0x01); err == nil {
			t.Fatalf("attempt %d unexpectedly succeeded", i)
		}
	}
	if srv.Unlocked(0x01) {
		t.Fatal("server opened despite bad keys")
	}
	var lock *SecurityLockoutError
	if err := c.Unlock(ctx, 0x01); !errors.As(err, &lock) {
		t.Fatalf("err = %v, want SecurityLockoutError", err)
	}
}

func TestServerDataIdentifiers(t *testing.T) {
	c, srv := newBench(t, DefaultServerConfig(), fastConfig())
	ctx := context.Background()

	vin := []byte("1FTSW21P06EB12345")
	srv.RegisterDID(0xF190, DIDHandler{Read: func() ([]byte, error) { return vin, nil }})

	var stored []byte
	srv.RegisterDID(0x0200, DIDHandler{
		Read:  func() ([]byte, error) { return stored, nil },
		Write: func(rec []byte) error { stored = append([]byte(nil), rec...); return nil },
	})

	got, err := c.ReadDataByIdentifier(ctx, 0xF190)
	if err != nil {
		t.Fatalf("read VIN: %v", err)
	}
	if !bytes.Equal(got, vin) {
		t.Fatalf("VIN = %q", got)
	}

	if err := c.WriteDataByIdentifier(ctx, 0x0200, []byte{0x12, 0x34}); err != nil {
		t.Fatalf("write DID: %v", err)
	}
	if !bytes.Equal(stored, []byte{0x12, 0x34}) {
		t.Fatalf("stored = % X", stored)
	}

	// Read-only DID rejects writes, unknown DID rejects reads.
	if err := c.WriteDataByIdentifier(ctx, 0xF190, []byte{0x00}); err == nil {
		t.Fatal("write to read-only DID accepted")
	}
	var neg *NegativeResponseError
	if _, err := c.ReadDataByIdentifier(ctx, 0xBEEF); !errors.As(err, &neg) || neg.NRC != NRCRequestOutOfRange {
		t.Fatalf("unknown DID err = %v", err)
	}
}

func TestServerRoutineControl(t *testing.T) {
	c, srv := newBench(t, DefaultServerConfig(), fastConfig())
	ctx := context.Background()

	running := false
	srv.RegisterRoutine(0x0203, RoutineHandler{
		Start: func(option []byte) ([]byte, error) {
			running = true
			return append([]byte{0x01}, option...), nil
		},
		Stop:   func() ([]byte, error) { running = false; return []byte{0x02}, nil },
		Result: func() ([]byte, error) { return []byte{0x03}, nil },
	})

	rec, err := c.RoutineControl(ctx, RoutineStart, 0x0203, []byte{0xAA})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !running || !bytes.Equal(rec, []byte{0x01, 0xAA}) {
		t.Fatalf("running=%v rec=% X", running, rec)
	}
	if rec, err = c.RoutineControl(ctx, RoutineRequestResult, 0x0203, nil); err != nil || rec[0] != 0x03 {
		t.Fatalf("result rec=% X err=%v", rec, err)
	}
	if _, err = c.RoutineControl(ctx, RoutineStop, 0x0203, nil); err != nil || running {
		t.Fatalf("stop err=%v running=%v", err, running)
	}
}

func TestServerMemoryServices(t *testing.T) {
	c, srv := newBench(t, DefaultServerConfig(), fastConfig())
	ctx := context.Background()

	srv.LoadMemory(0x8000, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	got, err := c.ReadMemoryByAddress(ctx, 0x8000, 4)
	if err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if !bytes.Equal(got, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("memory = % X", got)
	}

	if err := c.WriteMemoryByAddress(ctx, 0x8002, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write memory: %v", err)
	}
	got, _ = c.ReadMemoryByAddress(ctx, 0x8000, 4)
	if !bytes.Equal(got, []byte{0xDE, 0xAD, 0x01, 0x02}) {
		t.Fatalf("memory after write = % X", got)
	}

	if _, err := c.ReadMemoryByAddress(ctx, 0x9000, 2); err == nil {
		t.Fatal("read of unmapped memory accepted")
	}
}

func TestServerDTCServices(t *testing.T) {
	reg := dtc.NewRegistry(dtc.DefaultRegistryConfig())
	codes := []dtc.Code{{SPN: 100, FMI: 3}, {SPN: 520, FMI: 1}}
	for _, code := range codes {
		reg.Report(code, true)
	}
	reg.CycleReset()
	for _, code := range codes {
		reg.Report(code, true)
	}

	srvCfg := DefaultServerConfig()
	srvCfg.Registry = reg
	c, _ := newBench(t, srvCfg, fastConfig())
	ctx := context.Background()

	count, avail, err := c.ReadDTCCount(ctx, dtc.StatusTestFailed)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 || avail != 0xFF {
		t.Fatalf("count=%d avail=0x%02X", count, avail)
	}

	records, _, err := c.ReadDTCs(ctx, dtc.StatusConfirmed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	for _, rec := range records {
		if rec.Status&dtc.StatusConfirmed == 0 {
			t.Fatalf("record %v not confirmed: 0x%02X", rec.Code, rec.Status)
		}
	}

	if err := c.ClearDiagnosticInformation(ctx, 0xFFFFFF); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry holds %d codes after clear", reg.Len())
	}
}

func TestServerS3Revert(t *testing.T) {
	srvCfg := DefaultServerConfig()
	srvCfg.S3Timeout = 20 * time.Millisecond
	c, srv := newBench(t, srvCfg, fastConfig())

	if _, err := c.DiagnosticSessionControl(context.Background(), SessionProgramming); err != nil {
		t.Fatalf("session control: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if srv.Session() != SessionDefault {
		t.Fatalf("server session = %v after S3 lapse", srv.Session())
	}
}

func TestDownloaderBlockSequence(t *testing.T) {
	c, _ := newBench(t, DefaultServerConfig(), fastConfig())
	d := NewDownloader(c)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var progress []int
	d.Progress = func(written, _ int) { progress = append(progress, written) }

	if err := d.Download(context.Background(), 0x20000, data); err != nil {
		t.Fatalf("download: %v", err)
	}

	got, err := c.ReadMemoryByAddress(context.Background(), 0x20000, uint32(len(data)))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("readback does not match downloaded image")
	}
	// serverMaxBlock leaves 256 data bytes per block: 4 blocks for 1000.
	if len(progress) != 4 || progress[len(progress)-1] != len(data) {
		t.Fatalf("progress = %v", progress)
	}
}

func TestDownloaderFlashesIntelHex(t *testing.T) {
	c, _ := newBench(t, DefaultServerConfig(), fastConfig())
	d := NewDownloader(c)

	// Two records at 0x0100: 03 04 05 06 and AA BB.
	hex := strings.Join([]string{
		":0401000003040506E9",
		":02010400AABB94",
		":00000001FF",
	}, "\n")

	if err := d.FlashIntelHex(context.Background(), strings.NewReader(hex)); err != nil {
		t.Fatalf("flash: %v", err)
	}
	got, err := c.ReadMemoryByAddress(context.Background(), 0x0100, 6)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, []byte{0x03, 0x04, 0x05, 0x06, 0xAA, 0xBB}) {
		t.Fatalf("flashed memory = % X", got)
	}
}
