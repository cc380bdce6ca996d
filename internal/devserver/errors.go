package devserver

import (
	"errors"
	"fmt"
)

// ErrExitedEarly is matched by *ExitError.
var ErrExitedEarly = errors.New("dev server exited before becoming ready")

// ErrOutputClosed reports a dev server that closed its stdout without
// printing the readiness signal and kept running.
var ErrOutputClosed = errors.New("dev server closed its output before becoming ready")

// ExitError reports a dev server that exited before printing its
// readiness signal.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit code %d)", ErrExitedEarly, e.Code)
}

func (e *ExitError) Is(target error) bool { return target == ErrExitedEarly }
