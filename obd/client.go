package obd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/logging"
)

// Transport is the segmented request/response pipe the scanner talks over,
// the same shape the diagnostic dispatcher uses.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
	Messages() <-chan []byte
}

// Config tunes the scanner.
type Config struct {
	// ResponseTimeout bounds one request/response exchange.
	ResponseTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns the common settings.
func DefaultConfig() Config {
	return Config{
		ResponseTimeout: time.Second,
		LoggerFactory:   logging.NewDefaultLoggerFactory(),
	}
}

// Client is an OBD-II scanner over one transport conversation.
type Client struct {
	transport Transport
	cfg       Config
	log       logging.LeveledLogger
}

// NewClient builds a scanner.
func NewClient(transport Transport, cfg Config) *Client {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		transport: transport,
		cfg:       cfg,
		log:       cfg.LoggerFactory.NewLogger("obd"),
	}
}

// Request sends one service request and waits for the matching response. The
// returned payload starts after the response mode byte.
func (c *Client) Request(ctx context.Context, mode byte, params ...byte) ([]byte, error) {
	req := append([]byte{mode}, params...)
	if err := c.transport.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("obd: send mode 0x%02X: %w", mode, err)
	}

	deadline := time.NewTimer(c.cfg.ResponseTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("obd: no response to mode 0x%02X", mode)
		case data := <-c.transport.Messages():
			if len(data) >= 3 && data[0] == 0x7F && data[1] == mode {
				return nil, fmt.Errorf("obd: mode 0x%02X rejected with code 0x%02X", mode, data[2])
			}
			if len(data) == 0 || data[0] != mode+0x40 {
				continue
			}
			return data[1:], nil
		}
	}
}

// ReadSensor reads the raw data bytes of one mode 0x01 PID.
func (c *Client) ReadSensor(ctx context.Context, pid byte) ([]byte, error) {
	resp, err := c.Request(ctx, ModeCurrentData, pid)
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 || resp[0] != pid {
		return nil, fmt.Errorf("obd: response does not echo PID 0x%02X", pid)
	}
	return resp[1:], nil
}

// ReadValue reads one PID and converts it to a physical value.
func (c *Client) ReadValue(ctx context.Context, pid byte) (Value, error) {
	data, err := c.ReadSensor(ctx, pid)
	if err != nil {
		return Value{}, err
	}
	return DecodeValue(pid, data)
}

// ReadValues polls several PIDs in order. Failures are logged and skipped so
// one unsupported PID does not sink a dashboard sweep.
func (c *Client) ReadValues(ctx context.Context, pids ...byte) []Value {
	out := make([]Value, 0, len(pids))
	for _, pid := range pids {
		v, err := c.ReadValue(ctx, pid)
		if err != nil {
			c.log.Warnf("PID 0x%02X: %v", pid, err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// ReadFreezeFrame reads one PID from a stored freeze frame.
func (c *Client) ReadFreezeFrame(ctx context.Context, pid, frame byte) (Value, error) {
	resp, err := c.Request(ctx, ModeFreezeFrame, pid, frame)
	if err != nil {
		return Value{}, err
	}
	if len(resp) < 2 || resp[0] != pid {
		return Value{}, fmt.Errorf("obd: freeze frame response does not echo PID 0x%02X", pid)
	}
	return DecodeValue(pid, resp[2:])
}

// Supported reports the mode 0x01 PIDs the vehicle advertises in the first
// support bitmask.
func (c *Client) Supported(ctx context.Context) ([]byte, error) {
	data, err := c.ReadSensor(ctx, PIDSupported0120)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("obd: support bitmask is %d bytes", len(data))
	}
	return SupportedPIDs(PIDSupported0120, data[:4]), nil
}

// StoredDTCs reads the confirmed emissions codes (mode 0x03).
func (c *Client) StoredDTCs(ctx context.Context) ([]string, error) {
	return c.readDTCMode(ctx, ModeStoredDTC)
}

// PendingDTCs reads codes detected this cycle but not yet confirmed.
func (c *Client) PendingDTCs(ctx context.Context) ([]string, error) {
	return c.readDTCMode(ctx, ModePendingDTC)
}

// PermanentDTCs reads codes that survive a mode 0x04 clear.
func (c *Client) PermanentDTCs(ctx context.Context) ([]string, error) {
	return c.readDTCMode(ctx, ModePermanentDTC)
}

func (c *Client) readDTCMode(ctx context.Context, mode byte) ([]string, error) {
	resp, err := c.Request(ctx, mode)
	if err != nil {
		return nil, err
	}
	// CAN responses carry a count byte ahead of the pairs.
	if len(resp)%2 == 1 {
		resp = resp[1:]
	}
	codes := make([]string, 0, len(resp)/2)
	for i := 0; i+2 <= len(resp); i += 2 {
		if resp[i] == 0 && resp[i+1] == 0 {
			continue
		}
		codes = append(codes, DecodeDTCString(resp[i], resp[i+1]))
	}
	return codes, nil
}

// ClearDTCs erases stored emissions codes and freeze frames (mode 0x04).
func (c *Client) ClearDTCs(ctx context.Context) error {
	_, err := c.Request(ctx, ModeClearDTC)
	return err
}

// VIN reads the vehicle identification number (mode 0x09 info 0x02).
func (c *Client) VIN(ctx context.Context) (string, error) {
	resp, err := c.Request(ctx, ModeVehicleInfo, InfoVIN)
	if err != nil {
		return "", err
	}
	if len(resp) < 2 || resp[0] != InfoVIN {
		return "", fmt.Errorf("obd: malformed VIN response")
	}
	// Info type, then a record count byte, then the 17 characters.
	vin := strings.TrimLeft(string(resp[2:]), "\x00")
	return vin, nil
}

// DecodeDTCString renders a 2-byte emissions code as its letter form,
// P0123-style: system letter from the top two bits, then four digits.
func DecodeDTCString(hi, lo byte) string {
	letters := [4]byte{'P', 'C', 'B', 'U'}
	return fmt.Sprintf("%c%d%X%X%X",
		letters[hi>>6&0x03], hi>>4&0x03, hi&0x0F, lo>>4&0x0F, lo&0x0F)
}
