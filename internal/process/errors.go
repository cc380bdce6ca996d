package process

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSpawnFailed is matched by *SpawnError.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrProcessAlreadyRunning is returned by Start while a worker is tracked.
	ErrProcessAlreadyRunning = errors.New("process already running")
	// ErrEvalTimeout is matched by an *EvalError whose deadline passed.
	ErrEvalTimeout = errors.New("eval timed out")
	// ErrEvalNonZeroExit is matched by an *EvalError for a failed exit.
	ErrEvalNonZeroExit = errors.New("eval exited with non-zero status")
	// ErrNonZeroExit is matched by *CommandError.
	ErrNonZeroExit = errors.New("worker exited with non-zero status")
	// ErrNoProcessName is returned when no target name can be resolved.
	ErrNoProcessName = errors.New("no process name given and none recorded")
)

// SpawnError reports that the worker executable could not be started.
type SpawnError struct {
	Op   string
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: spawn worker: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: spawn worker: %v", e.Op, e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// EvalKind distinguishes eval failures.
type EvalKind int

const (
	EvalTimeout EvalKind = iota + 1
	EvalNonZeroExit
)

// EvalError reports a failed one-shot evaluation.
type EvalError struct {
	Kind     EvalKind
	Input    string
	Timeout  time.Duration
	ExitCode int
	Stderr   string
}

func (e *EvalError) Error() string {
	switch e.Kind {
	case EvalTimeout:
		return fmt.Sprintf("eval %q: no response within %s", e.Input, e.Timeout)
	default:
		msg := fmt.Sprintf("eval %q: exit status %d", e.Input, e.ExitCode)
		if e.Stderr != "" {
			msg += ": " + e.Stderr
		}
		return msg
	}
}

func (e *EvalError) Is(target error) bool {
	switch e.Kind {
	case EvalTimeout:
		return target == ErrEvalTimeout
	case EvalNonZeroExit:
		return target == ErrEvalNonZeroExit
	}
	return false
}

// CommandError reports a non-zero exit of a pass-through worker command.
type CommandError struct {
	Op       string
	Name     string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Op, e.ExitCode)
	if e.Name != "" {
		msg = fmt.Sprintf("%s %s: exit status %d", e.Op, e.Name, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Is(target error) bool { return target == ErrNonZeroExit }
