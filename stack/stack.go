// Package stack assembles a diagnostic conversation: a bus attachment, a
// segmented transport on top of it and a service dispatcher on top of that.
package stack

import (
	"context"
	"fmt"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/motorlink/canstack/can"
	"github.com/motorlink/canstack/gateway"
	"github.com/motorlink/canstack/isotp"
	"github.com/motorlink/canstack/uds"
)

// Config collects the per-layer settings.
type Config struct {
	Address isotp.Address
	ISOTP   isotp.Config
	UDS     uds.ClientConfig

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a conversation setup for the given addressing.
func DefaultConfig(address isotp.Address) Config {
	lf := logging.NewDefaultLoggerFactory()
	isoCfg := isotp.DefaultConfig()
	isoCfg.LoggerFactory = lf
	udsCfg := uds.DefaultClientConfig()
	udsCfg.LoggerFactory = lf
	return Config{
		Address:       address,
		ISOTP:         isoCfg,
		UDS:           udsCfg,
		LoggerFactory: lf,
	}
}

// Stack is one running diagnostic conversation over one bus.
type Stack struct {
	bus       gateway.Bus
	transport *isotp.Transport
	client    *uds.Client
	log       logging.LeveledLogger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Open wires the layers together and starts the pump goroutines. The stack
// owns the bus from here on; Close releases everything.
func Open(bus gateway.Bus, cfg Config) (*Stack, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	transport, err := isotp.NewTransport(cfg.Address, cfg.ISOTP)
	if err != nil {
		return nil, fmt.Errorf("stack: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	s := &Stack{
		bus:       bus,
		transport: transport,
		log:       cfg.LoggerFactory.NewLogger("stack"),
		cancel:    cancel,
		group:     group,
	}
	s.client = uds.NewClient(Conversation{transport}, cfg.UDS)

	txChan := make(chan can.Frame, 64)
	group.Go(func() error {
		transport.Run(ctx, bus.Frames(), txChan)
		return nil
	})
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case frame := <-txChan:
				if err := s.bus.Send(frame); err != nil {
					return fmt.Errorf("stack: bus send: %w", err)
				}
			}
		}
	})

	return s, nil
}

// UDS returns the service dispatcher riding this conversation.
func (s *Stack) UDS() *uds.Client { return s.client }

// Transport returns the segmented transport, for callers that want raw
// payload exchange instead of diagnostic services.
func (s *Stack) Transport() *isotp.Transport { return s.transport }

// Close stops the pumps and detaches from the bus.
func (s *Stack) Close() error {
	s.cancel()
	err := s.group.Wait()
	if cerr := s.bus.Close(); err == nil {
		err = cerr
	}
	return err
}

// Conversation adapts the segmented transport to the request/response pipe
// the dispatchers consume: Send blocks until the whole message went out.
type Conversation struct {
	Transport *isotp.Transport
}

func (c Conversation) Send(ctx context.Context, payload []byte) error {
	req, err := c.Transport.Send(ctx, payload)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-req.Done():
		return req.Err()
	}
}

func (c Conversation) Messages() <-chan []byte { return c.Transport.Messages() }
