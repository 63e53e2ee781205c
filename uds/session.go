package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

// SessionTimings carries the server's advertised P2/P2* values from a session
// control response, in milliseconds and tens of milliseconds on the wire.
type SessionTimings struct {
	P2     time.Duration
	P2Star time.Duration
}

// DiagnosticSessionControl switches the diagnostic session. Leaving a
// non-default session for another non-default one keeps the security state;
// entering Default locks it.
func (c *Client) DiagnosticSessionControl(ctx context.Context, level SessionLevel) (SessionTimings, error) {
	resp, err := c.Request(ctx, []byte{SIDDiagnosticSessionControl, byte(level)})
	if err != nil {
		return SessionTimings{}, err
	}
	if len(resp) < 2 || resp[1] != byte(level) {
		return SessionTimings{}, fmt.Errorf("uds: session control echoed level 0x%02X, want 0x%02X", resp[1], byte(level))
	}

	var t SessionTimings
	if len(resp) >= 6 {
		t.P2 = time.Duration(binary.BigEndian.Uint16(resp[2:4])) * time.Millisecond
		t.P2Star = time.Duration(binary.BigEndian.Uint16(resp[4:6])) * 10 * time.Millisecond
	}

	c.mu.Lock()
	c.session = level
	if level == SessionDefault {
		c.security = SecurityLocked
		c.keyAttempts = 0
	}
	c.mu.Unlock()
	return t, nil
}

// TesterPresent keeps the current session alive. With suppress set the server
// sends no answer and none is awaited.
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		if err := c.send(ctx, []byte{SIDTesterPresent, SuppressPositiveResponse}); err != nil {
			return err
		}
		c.touch()
		return nil
	}
	_, err := c.Request(ctx, []byte{SIDTesterPresent, 0x00})
	return err
}

// StartTesterPresent sends suppressed TesterPresent requests on the given
// interval until the context is cancelled. An interval of zero uses a third
// of the S3 window.
func (c *Client) StartTesterPresent(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.cfg.S3Timeout / 3
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.TesterPresent(ctx, true); err != nil {
					c.log.Warnf("tester present: %v", err)
				}
			}
		}
	}()
}
