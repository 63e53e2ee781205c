package uds

import "fmt"

// NegativeResponseError carries a peer's explicit rejection. It is a typed
// result, not a transport fault: the exchange completed, the server said no.
type NegativeResponseError struct {
	Service byte
	NRC     byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response: SID=0x%02X NRC=0x%02X (%s)", e.Service, e.NRC, NRCDescription(e.NRC))
}

// Retryable reports whether repeating the identical request can succeed.
func (e *NegativeResponseError) Retryable() bool {
	return e.NRC == NRCBusyRepeatRequest
}

// PendingExceededError is raised when the server sent more ResponsePending
// extensions than the configured budget for one exchange.
type PendingExceededError struct {
	Service    byte
	Extensions int
}

func (e *PendingExceededError) Error() string {
	return fmt.Sprintf("SID=0x%02X still pending after %d extensions", e.Service, e.Extensions)
}

// SecurityLockoutError is raised locally once too many key submissions
// failed. Further unlock attempts are rejected without touching the server
// until the lockout is reset.
type SecurityLockoutError struct {
	Attempts int
}

func (e *SecurityLockoutError) Error() string {
	return fmt.Sprintf("security access locked out after %d failed key attempts", e.Attempts)
}

// ResponseTimeoutError is raised when no response arrived within the request
// deadline.
type ResponseTimeoutError struct {
	Service byte
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("no response for SID=0x%02X within deadline", e.Service)
}
