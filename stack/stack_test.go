package stack

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/motorlink/canstack/gateway"
	"github.com/motorlink/canstack/isotp"
	"github.com/motorlink/canstack/uds"
)

func clientAddress() isotp.Address {
	return isotp.Address{Mode: isotp.Normal11Bits, TxID: 0x7E0, RxID: 0x7E8}
}

func serverAddress() isotp.Address {
	return isotp.Address{Mode: isotp.Normal11Bits, TxID: 0x7E8, RxID: 0x7E0}
}

// openPair builds two stacks joined by an in-memory bus: a tester side and an
// ECU side.
func openPair(t *testing.T) (*Stack, *Stack) {
	t.Helper()
	busA, busB := gateway.NewMemBusPair(256)

	tester, err := Open(busA, DefaultConfig(clientAddress()))
	if err != nil {
		t.Fatalf("open tester: %v", err)
	}
	ecu, err := Open(busB, DefaultConfig(serverAddress()))
	if err != nil {
		tester.Close()
		t.Fatalf("open ecu: %v", err)
	}
	t.Cleanup(func() {
		tester.Close()
		ecu.Close()
	})
	return tester, ecu
}

func TestConversationRoundTrip(t *testing.T) {
	tester, ecu := openPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A payload long enough to force segmentation both ways.
	request := make([]byte, 300)
	request[0] = 0x22
	for i := 1; i < len(request); i++ {
		request[i] = byte(i)
	}

	go func() {
		conv := Conversation{ecu.Transport()}
		select {
		case req := <-conv.Messages():
			reply := append([]byte{req[0] + 0x40}, req[1:]...)
			conv.Send(ctx, reply)
		case <-ctx.Done():
		}
	}()

	conv := Conversation{tester.Transport()}
	if err := conv.Send(ctx, request); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case reply := <-conv.Messages():
		if reply[0] != 0x62 || !bytes.Equal(reply[1:], request[1:]) {
			t.Fatalf("reply mismatch: % X...", reply[:8])
		}
	case <-ctx.Done():
		t.Fatal("no reply before deadline")
	}
}

func TestDiagnosticSessionOverStack(t *testing.T) {
	tester, ecu := openPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := uds.NewServer(uds.DefaultServerConfig())
	go srv.Run(ctx, Conversation{ecu.Transport()})

	if _, err := tester.UDS().DiagnosticSessionControl(ctx, uds.SessionExtended); err != nil {
		t.Fatalf("session control: %v", err)
	}
	if srv.Session() != uds.SessionExtended {
		t.Fatalf("server session = %v", srv.Session())
	}

	vin := []byte("2T1BU4EE9DC071057")
	srv.RegisterDID(0xF190, uds.DIDHandler{Read: func() ([]byte, error) { return vin, nil }})
	got, err := tester.UDS().ReadDataByIdentifier(ctx, 0xF190)
	if err != nil {
		t.Fatalf("read DID: %v", err)
	}
	if !bytes.Equal(got, vin) {
		t.Fatalf("VIN = %q", got)
	}
}

func TestCloseStopsPumps(t *testing.T) {
	busA, busB := gateway.NewMemBusPair(16)
	defer busB.Close()

	s, err := Open(busA, DefaultConfig(clientAddress()))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := (Conversation{s.Transport()}).Send(ctx, []byte{0x3E, 0x00}); err == nil {
		t.Fatal("send succeeded on a closed stack")
	}
}
