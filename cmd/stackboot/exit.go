package main

import (
	"errors"
	"fmt"

	"github.com/edvin/stackboot/internal/model"
)

const (
	exitOK           = 0
	exitOther        = 1
	exitPrecondition = 2
	exitTimeout      = 3
	exitIssuance     = 4
	exitIdempotency  = 5
)

// childExit carries the exit status of the re-executed user phase. The
// child has already reported its own failure.
type childExit int

func (c childExit) Error() string { return fmt.Sprintf("user phase exited with status %d", int(c)) }

// exitCode maps an error to the process exit status. A failed renewal keeps
// the installed certificate and is not a failure of the run.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	// Only a bare renewal failure is recovered. Joined with a restore or
	// lock error it still fails the run.
	if _, ok := err.(*model.RenewalError); ok {
		return exitOK
	}
	var (
		child childExit
		pe    *model.PreconditionError
		te    *model.TimeoutError
		ie    *model.IssuanceError
		iv    *model.IdempotencyViolation
	)
	switch {
	case errors.As(err, &child):
		return int(child)
	case errors.As(err, &pe):
		return exitPrecondition
	case errors.As(err, &te):
		return exitTimeout
	case errors.As(err, &ie):
		return exitIssuance
	case errors.As(err, &iv):
		return exitIdempotency
	default:
		return exitOther
	}
}

// diagnostic is the single line printed on failure, empty when nothing
// should be printed.
func diagnostic(err error) string {
	var child childExit
	if errors.As(err, &child) {
		return ""
	}
	var pe *model.PreconditionError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	return err.Error()
}
