package imapclient

import "fmt"

// PleaseUnlock is raised when the server rejects credentials; the
// caller is expected to re-prompt for a password and retry, per
// spec.md §4.4.
type PleaseUnlock struct {
	Resource     string
	NeedPassword bool
}

func (e *PleaseUnlock) Error() string {
	return fmt.Sprintf("imapclient: please unlock %s", e.Resource)
}

// IMAPError wraps a protocol-level or network-level failure that the
// caller may retry with backoff.
type IMAPError struct {
	Op  string
	Err error
}

func (e *IMAPError) Error() string { return fmt.Sprintf("imapclient: %s: %v", e.Op, e.Err) }
func (e *IMAPError) Unwrap() error { return e.Err }

// ConnectError is a TLS or socket-establishment failure. Connections
// must never silently fall back to an insecure transport after one of
// these.
type ConnectError struct {
	Host, Protocol string
	Err            error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("imapclient: connecting to %s (%s): %v", e.Host, e.Protocol, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }
