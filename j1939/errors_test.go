package j1939

import "testing"

func TestFaultTypesImplementError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{newTimeout("CTS"), "timed out waiting for CTS"},
		{newAbort(AbortReasonBusy), "connection aborted (reason 1)"},
		{newSequenceError(3, 1), "wrong packet number: expected 3, got 1"},
		{newMessageTooLong(2000, 1785), "message of 2000 bytes exceeds limit of 1785"},
		{newSendAborted("transport stopped"), "transport stopped"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Errorf("Error() = %q, want %q", got, c.want)
		}
	}
}
