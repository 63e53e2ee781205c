package uds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pion/logging"
)

// Transport is the segmented request/response pipe under the dispatcher.
// isotp.Transport satisfies it through the stack package's adapter; tests use
// channel-backed fakes.
type Transport interface {
	// Send transmits one complete request payload.
	Send(ctx context.Context, payload []byte) error
	// Messages yields complete inbound payloads.
	Messages() <-chan []byte
}

// Session levels.
type SessionLevel byte

const (
	SessionDefault      SessionLevel = 0x01
	SessionProgramming  SessionLevel = 0x02
	SessionExtended     SessionLevel = 0x03
	SessionSafetySystem SessionLevel = 0x04
)

// SecurityState is the client's view of the security-access handshake.
type SecurityState uint8

const (
	SecurityLocked SecurityState = iota
	SecuritySeedIssued
	SecurityUnlocked
)

// ClientConfig tunes the dispatcher.
type ClientConfig struct {
	// RequestTimeout is the base deadline for one exchange.
	RequestTimeout time.Duration

	// PendingTimeout replaces the deadline after each ResponsePending.
	PendingTimeout time.Duration

	// MaxPending bounds how many ResponsePending extensions one exchange
	// tolerates before failing with PendingExceededError.
	MaxPending int

	// MaxRetries bounds repeats of a request rejected with BusyRepeatRequest.
	MaxRetries int

	// RetryDelay is the pause between such repeats.
	RetryDelay time.Duration

	// S3Timeout is the inactivity window after which the session reverts
	// to Default and security to Locked.
	S3Timeout time.Duration

	// MaxKeyAttempts bounds consecutive failed key submissions before the
	// client locks security access out.
	MaxKeyAttempts int

	// KeyFunc derives the key sent in response to a seed.
	KeyFunc KeyFunc

	LoggerFactory logging.LoggerFactory
}

// DefaultClientConfig returns the commonly used timings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout: time.Second,
		PendingTimeout: 5 * time.Second,
		MaxPending:     5,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		S3Timeout:      5 * time.Second,
		MaxKeyAttempts: 3,
		LoggerFactory:  logging.NewDefaultLoggerFactory(),
	}
}

// Client is the diagnostic service dispatcher. It owns the session and
// security state for one conversation with one server.
type Client struct {
	transport Transport
	cfg       ClientConfig
	log       logging.LeveledLogger

	mu           sync.Mutex
	session      SessionLevel
	security     SecurityState
	keyAttempts  int
	lockedOut    bool
	lastExchange time.Time
}

// NewClient builds a dispatcher in the Default session, locked.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Second
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 5 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 5
	}
	if cfg.MaxKeyAttempts <= 0 {
		cfg.MaxKeyAttempts = 3
	}
	if cfg.S3Timeout <= 0 {
		cfg.S3Timeout = 5 * time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		log:       cfg.LoggerFactory.NewLogger("uds"),
		session:   SessionDefault,
		security:  SecurityLocked,
	}
}

// Session returns the current diagnostic session level, accounting for S3
// expiry.
func (c *Client) Session() SessionLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.session
}

// Security returns the current security-access state, accounting for S3
// expiry.
func (c *Client) Security() SecurityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return c.security
}

// expireLocked reverts to Default/Locked when the S3 window lapsed with no
// exchange. The lockout flag survives: it needs an explicit reset.
func (c *Client) expireLocked() {
	if c.lastExchange.IsZero() {
		return
	}
	if time.Since(c.lastExchange) > c.cfg.S3Timeout {
		if c.session != SessionDefault || c.security != SecurityLocked {
			c.log.Debugf("S3 window lapsed, reverting to default session")
		}
		c.session = SessionDefault
		c.security = SecurityLocked
		c.keyAttempts = 0
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastExchange = time.Now()
	c.mu.Unlock()
}

// Request performs one exchange: send the payload, wait for the matching
// response. ResponsePending answers extend the deadline up to the configured
// budget; Busy rejections are retried. The returned payload starts with the
// response SID.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("uds: empty request payload")
	}
	c.mu.Lock()
	c.expireLocked()
	c.mu.Unlock()

	var response []byte
	err := retry.Do(
		func() error {
			r, err := c.exchange(ctx, payload)
			if err != nil {
				return err
			}
			response = r
			return nil
		},
		retry.Attempts(uint(c.cfg.MaxRetries)+1),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var neg *NegativeResponseError
			return errors.As(err, &neg) && neg.Retryable()
		}),
	)
	if err != nil {
		return nil, err
	}
	c.touch()
	return response, nil
}

// exchange runs a single request/response cycle including the pending
// extension loop.
func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	sid := payload[0]

	if err := c.transport.Send(ctx, payload); err != nil {
		return nil, fmt.Errorf("uds: send SID=0x%02X: %w", sid, err)
	}

	deadline := time.NewTimer(c.cfg.RequestTimeout)
	defer deadline.Stop()

	pending := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadline.C:
			return nil, &ResponseTimeoutError{Service: sid}

		case data := <-c.transport.Messages():
			if len(data) >= 3 && data[0] == negativeResponseSID {
				if data[1] != sid {
					// Stale rejection from an earlier exchange.
					continue
				}
				if data[2] == NRCResponsePending {
					pending++
					if pending > c.cfg.MaxPending {
						return nil, &PendingExceededError{Service: sid, Extensions: pending - 1}
					}
					c.log.Debugf("SID=0x%02X pending (%d/%d)", sid, pending, c.cfg.MaxPending)
					if !deadline.Stop() {
						select {
						case <-deadline.C:
						default:
						}
					}
					deadline.Reset(c.cfg.PendingTimeout)
					continue
				}
				return nil, &NegativeResponseError{Service: data[1], NRC: data[2]}
			}
			if len(data) == 0 || data[0] != sid+positiveResponseOffset {
				// Response to something else; keep waiting for ours.
				continue
			}
			return data, nil
		}
	}
}

// send transmits a request whose positive response is suppressed; nothing is
// awaited.
func (c *Client) send(ctx context.Context, payload []byte) error {
	return c.transport.Send(ctx, payload)
}
