package isotp

import "fmt"

// baseError carries the message for every ISO-TP fault type; the concrete
// types embed it and add their structured fields for errors.As matching.
type baseError struct {
	msg string
}

func newError(msg string) baseError { return baseError{msg: msg} }

func (e baseError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return "isotp error"
}

// TransportTimeoutError is raised when a peer stops talking mid-transfer:
// either no FlowControl arrived within N_Bs or no ConsecutiveFrame arrived
// within N_Cr. The affected transfer is aborted; unrelated links are untouched.
type TransportTimeoutError struct {
	baseError
	// Waiting names the frame type that never arrived ("FlowControl" or
	// "ConsecutiveFrame").
	Waiting string
}

func newTransportTimeout(waiting string) TransportTimeoutError {
	return TransportTimeoutError{
		baseError: newError(fmt.Sprintf("timed out waiting for %s", waiting)),
		Waiting:   waiting,
	}
}

// SequenceError is raised when a ConsecutiveFrame carries an unexpected
// sequence number. The reassembly is aborted.
type SequenceError struct {
	baseError
	Expected int
	Got      int
}

func newSequenceError(expected, got int) SequenceError {
	return SequenceError{
		baseError: newError(fmt.Sprintf("wrong sequence number: expected %d, got %d", expected, got)),
		Expected:  expected,
		Got:       got,
	}
}

// OverflowError is raised on the sender side when the peer answered a
// FirstFrame with FlowStatus Overflow, or on the receiver side when an
// announced message exceeds the configured maximum.
type OverflowError struct {
	baseError
	Remote bool
}

func newOverflowError(remote bool, msg string) OverflowError {
	return OverflowError{baseError: newError(msg), Remote: remote}
}

// MessageTooLongError is raised locally when a FirstFrame announces more
// bytes than Config.MaxMsgLength allows. An Overflow FlowControl is sent back.
type MessageTooLongError struct {
	baseError
	Announced int
	Limit     int
}

func newMessageTooLong(announced, limit int) MessageTooLongError {
	return MessageTooLongError{
		baseError: newError(fmt.Sprintf("first frame announces %d bytes, limit is %d", announced, limit)),
		Announced: announced,
		Limit:     limit,
	}
}

// WaitFrameLimitError is raised when the peer sent more FlowControl Wait
// frames than Config.WftMax permits for a single transfer.
type WaitFrameLimitError struct {
	baseError
	Max int
}

func newWaitFrameLimit(max int) WaitFrameLimitError {
	return WaitFrameLimitError{
		baseError: newError(fmt.Sprintf("wait frame limit of %d exceeded", max)),
		Max:       max,
	}
}

// UnexpectedFrameError reports protocol-control frames that arrive in a state
// where they make no sense (a ConsecutiveFrame with no reassembly running, a
// reassembly interrupted by a new SingleFrame or FirstFrame). The session that
// was interrupted, if any, is aborted; the new frame is still honored.
type UnexpectedFrameError struct {
	baseError
}

func newUnexpectedFrame(msg string) UnexpectedFrameError {
	return UnexpectedFrameError{baseError: newError(msg)}
}

// InvalidFrameError reports frames whose payload cannot be parsed as an
// ISO-TP protocol data unit.
type InvalidFrameError struct {
	baseError
}

func newInvalidFrame(msg string) InvalidFrameError {
	return InvalidFrameError{baseError: newError(msg)}
}

// SendAbortedError is delivered to a pending send request that was torn down
// by Abort or by the transport shutting down.
type SendAbortedError struct {
	baseError
}

func newSendAborted(msg string) SendAbortedError {
	return SendAbortedError{baseError: newError(msg)}
}
