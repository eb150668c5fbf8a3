package model

import (
	"fmt"
	"time"
)

// PreconditionError reports an expected resource that is absent or unusable
// (device, application directory, mount point). Fatal.
type PreconditionError struct {
	Resource string
	Detail   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s: %s", e.Resource, e.Detail)
}

// TimeoutError reports an exhausted bounded poll. Fatal.
type TimeoutError struct {
	Operation string
	Attempts  int
	Interval  time.Duration
	Err       error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("timed out waiting for %s after %d attempts (interval %s)", e.Operation, e.Attempts, e.Interval)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IssuanceError reports a failed first-time certificate acquisition. Fatal:
// the stack must not be launched without TLS.
type IssuanceError struct {
	Subject string
	Err     error
}

func (e *IssuanceError) Error() string {
	return fmt.Sprintf("certificate issuance for %s failed: %v", e.Subject, e.Err)
}

func (e *IssuanceError) Unwrap() error { return e.Err }

// RenewalError reports a failed renewal. Recovered locally: the installed
// certificate is kept and the proxy restored.
type RenewalError struct {
	Err error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("certificate renewal failed: %v", e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

// IdempotencyViolation reports persisted state with unexpected content. The
// existing resource is left untouched.
type IdempotencyViolation struct {
	Resource string
	Detail   string
}

func (e *IdempotencyViolation) Error() string {
	return fmt.Sprintf("unexpected existing %s: %s", e.Resource, e.Detail)
}
