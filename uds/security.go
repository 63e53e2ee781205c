package uds

import (
	"bytes"
	"context"
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/chmike/cmac-go"
)

// KeyFunc derives the key to submit for a seed at a given security level.
type KeyFunc func(level byte, seed []byte) ([]byte, error)

// CMACKeyFunc builds a KeyFunc computing AES-CMAC over the seed with a fixed
// secret. This matches the common challenge/response scheme used by
// programming tools.
func CMACKeyFunc(secret []byte) KeyFunc {
	return func(_ byte, seed []byte) ([]byte, error) {
		h, err := cmac.New(aes.NewCipher, secret)
		if err != nil {
			return nil, fmt.Errorf("uds: cmac init: %w", err)
		}
		h.Write(seed)
		return h.Sum(nil), nil
	}
}

// XORKeyFunc builds a trivial KeyFunc XOR-ing the seed with a fixed mask,
// repeated as needed. Useful against bench ECUs and in tests.
func XORKeyFunc(mask []byte) KeyFunc {
	return func(_ byte, seed []byte) ([]byte, error) {
		if len(mask) == 0 {
			return nil, fmt.Errorf("uds: empty key mask")
		}
		key := make([]byte, len(seed))
		for i, b := range seed {
			key[i] = b ^ mask[i%len(mask)]
		}
		return key, nil
	}
}

// RequestSeed asks for the seed of an odd security level. An all-zero seed
// means the level is already unlocked and no key is expected.
func (c *Client) RequestSeed(ctx context.Context, level byte) ([]byte, error) {
	if level%2 == 0 {
		return nil, fmt.Errorf("uds: seed request needs an odd level, got 0x%02X", level)
	}
	c.mu.Lock()
	if c.lockedOut {
		c.mu.Unlock()
		return nil, &SecurityLockoutError{Attempts: c.cfg.MaxKeyAttempts}
	}
	c.mu.Unlock()

	resp, err := c.Request(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 || resp[1] != level {
		return nil, fmt.Errorf("uds: seed response echoed level 0x%02X, want 0x%02X", resp[1], level)
	}
	seed := append([]byte(nil), resp[2:]...)

	c.mu.Lock()
	if zeroSeed(seed) {
		c.security = SecurityUnlocked
	} else {
		c.security = SecuritySeedIssued
	}
	c.mu.Unlock()
	return seed, nil
}

// SendKey submits the key for the even level following a seed request. Wrong
// keys count toward the lockout threshold; reaching it locks security access
// out until ResetLockout.
func (c *Client) SendKey(ctx context.Context, level byte, key []byte) error {
	if level%2 != 0 {
		return fmt.Errorf("uds: key submission needs an even level, got 0x%02X", level)
	}
	c.mu.Lock()
	if c.lockedOut {
		c.mu.Unlock()
		return &SecurityLockoutError{Attempts: c.cfg.MaxKeyAttempts}
	}
	c.mu.Unlock()

	payload := make([]byte, 0, 2+len(key))
	payload = append(payload, SIDSecurityAccess, level)
	payload = append(payload, key...)
	_, err := c.Request(ctx, payload)
	if err != nil {
		// Only an explicit rejection by the server consumes an attempt;
		// transport faults leave the counter alone.
		var neg *NegativeResponseError
		if !errors.As(err, &neg) {
			return err
		}
		c.mu.Lock()
		c.keyAttempts++
		c.security = SecurityLocked
		if c.keyAttempts >= c.cfg.MaxKeyAttempts {
			c.lockedOut = true
			attempts := c.keyAttempts
			c.mu.Unlock()
			c.log.Warnf("security access locked out after %d failed keys", attempts)
			return &SecurityLockoutError{Attempts: attempts}
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.security = SecurityUnlocked
	c.keyAttempts = 0
	c.mu.Unlock()
	return nil
}

// Unlock runs the full seed/key handshake for the security level pair
// starting at the given odd level, deriving the key with the configured
// KeyFunc. A lockout short-circuits before a new seed is consumed.
func (c *Client) Unlock(ctx context.Context, level byte) error {
	c.mu.Lock()
	if c.lockedOut {
		c.mu.Unlock()
		return &SecurityLockoutError{Attempts: c.cfg.MaxKeyAttempts}
	}
	keyFunc := c.cfg.KeyFunc
	c.mu.Unlock()
	if keyFunc == nil {
		return fmt.Errorf("uds: no key function configured")
	}

	seed, err := c.RequestSeed(ctx, level)
	if err != nil {
		return err
	}
	if zeroSeed(seed) {
		return nil
	}
	key, err := keyFunc(level, seed)
	if err != nil {
		return fmt.Errorf("uds: derive key: %w", err)
	}
	return c.SendKey(ctx, level+1, key)
}

// ResetLockout clears the lockout latch and the attempt counter. Intended for
// use after the server-side delay window elapsed.
func (c *Client) ResetLockout() {
	c.mu.Lock()
	c.lockedOut = false
	c.keyAttempts = 0
	c.mu.Unlock()
}

func zeroSeed(seed []byte) bool {
	return len(seed) > 0 && bytes.Count(seed, []byte{0x00}) == len(seed)
}
