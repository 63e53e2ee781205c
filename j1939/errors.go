package j1939

import "fmt"

// baseError carries the message for the J1939 transport faults, mirroring
// the ISO-TP error family so callers can match either with errors.As.
type baseError struct {
	msg string
}

func newError(msg string) baseError { return baseError{msg: msg} }

func (e baseError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "j1939 error"
}

// Connection abort reasons per J1939-21.
const (
	AbortReasonBusy      uint8 = 1
	AbortReasonResources uint8 = 2
	AbortReasonTimeout   uint8 = 3
)

// TimeoutError is raised when a session's partner goes silent: no CTS, no
// data packet or no end-of-message acknowledgment within its deadline.
type TimeoutError struct {
	baseError
	// Waiting names what never arrived ("CTS", "TP.DT", "EndOfMsgACK").
	Waiting string
}

func newTimeout(waiting string) TimeoutError {
	return TimeoutError{
		baseError: newError(fmt.Sprintf("timed out waiting for %s", waiting)),
		Waiting:   waiting,
	}
}

// AbortError is raised when the peer tears a connection down with a TP.CM
// abort, or when we abort one ourselves.
type AbortError struct {
	baseError
	Reason uint8
}

func newAbort(reason uint8) AbortError {
	return AbortError{
		baseError: newError(fmt.Sprintf("connection aborted (reason %d)", reason)),
		Reason:    reason,
	}
}

// SequenceError is raised when a data packet carries an unexpected sequence
// number. The session is aborted.
type SequenceError struct {
	baseError
	Expected int
	Got      int
}

func newSequenceError(expected, got int) SequenceError {
	return SequenceError{
		baseError: newError(fmt.Sprintf("wrong packet number: expected %d, got %d", expected, got)),
		Expected:  expected,
		Got:       got,
	}
}

// MessageTooLongError is raised for messages beyond the protocol's 1785 byte
// ceiling or the configured receive limit.
type MessageTooLongError struct {
	baseError
	Size  int
	Limit int
}

func newMessageTooLong(size, limit int) MessageTooLongError {
	return MessageTooLongError{
		baseError: newError(fmt.Sprintf("message of %d bytes exceeds limit of %d", size, limit)),
		Size:      size,
		Limit:     limit,
	}
}

// SendAbortedError is delivered to a pending send whose session was replaced
// or whose transport shut down.
type SendAbortedError struct {
	baseError
}

func newSendAborted(msg string) SendAbortedError {
	return SendAbortedError{baseError: newError(msg)}
}
