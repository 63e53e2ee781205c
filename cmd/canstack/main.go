// canstack is a bench diagnostic tool: it attaches to an SLCAN serial
// adapter, opens an ISO-TP conversation with one ECU and runs a diagnostic
// operation against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/motorlink/canstack/gateway"
	"github.com/motorlink/canstack/isotp"
	"github.com/motorlink/canstack/obd"
	"github.com/motorlink/canstack/stack"
	"github.com/motorlink/canstack/uds"
)

const (
	defaultDevice = "/dev/ttyACM0"
	defaultBaud   = 115200
	defaultTxID   = 0x7E0
	defaultRxID   = 0x7E8
)

var (
	device  = flag.String("device", defaultDevice, "serial device of the CAN adapter")
	baud    = flag.Int("baud", defaultBaud, "serial baud rate")
	txID    = flag.Uint("txid", defaultTxID, "CAN ID for requests")
	rxID    = flag.Uint("rxid", defaultRxID, "CAN ID for responses")
	op      = flag.String("op", "vin", "operation: vin | dtc | clear | sensor | session")
	pid     = flag.Uint("pid", uint(obd.PIDEngineRPM), "PID for -op sensor")
	session = flag.Uint("session", uint(uds.SessionExtended), "session level for -op session")
	trace   = flag.String("trace", "", "directory for frame trace logs (empty disables)")
	timeout = flag.Duration("timeout", 10*time.Second, "overall operation deadline")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Lmicroseconds)

	serialCfg := gateway.DefaultSerialConfig(*device)
	serialCfg.Baud = *baud
	var bus gateway.Bus
	bus, err := gateway.OpenSerialBus(serialCfg)
	if err != nil {
		log.Fatalf("open adapter: %v", err)
	}

	if *trace != "" {
		f, err := gateway.OpenTraceFile(*trace, "canstack")
		if err != nil {
			log.Fatalf("open trace: %v", err)
		}
		defer f.Close()
		bus = gateway.NewTrace(bus, f)
	}

	address := isotp.Address{
		Mode: isotp.Normal11Bits,
		TxID: uint32(*txID),
		RxID: uint32(*rxID),
	}
	s, err := stack.Open(bus, stack.DefaultConfig(address))
	if err != nil {
		log.Fatalf("open stack: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if err := run(ctx, s); err != nil {
		log.Fatalf("%s: %v", *op, err)
	}
}

func run(ctx context.Context, s *stack.Stack) error {
	scanner := obd.NewClient(stack.Conversation{Transport: s.Transport()}, obd.DefaultConfig())

	switch *op {
	case "vin":
		vin, err := scanner.VIN(ctx)
		if err != nil {
			return err
		}
		fmt.Println(vin)

	case "dtc":
		codes, err := scanner.StoredDTCs(ctx)
		if err != nil {
			return err
		}
		if len(codes) == 0 {
			fmt.Println("no stored codes")
			return nil
		}
		for _, code := range codes {
			fmt.Println(code)
		}

	case "clear":
		if err := scanner.ClearDTCs(ctx); err != nil {
			return err
		}
		fmt.Println("cleared")

	case "sensor":
		value, err := scanner.ReadValue(ctx, byte(*pid))
		if err != nil {
			return err
		}
		fmt.Println(value)

	case "session":
		timings, err := s.UDS().DiagnosticSessionControl(ctx, uds.SessionLevel(*session))
		if err != nil {
			return err
		}
		fmt.Printf("session 0x%02X active, P2=%s P2*=%s\n", *session, timings.P2, timings.P2Star)

	default:
		return fmt.Errorf("unknown operation %q", *op)
	}
	return nil
}
