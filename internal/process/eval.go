package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultEvalTimeout bounds an awaited evaluation without an explicit timeout.
const DefaultEvalTimeout = 30 * time.Second

// waitDelay is how long Wait keeps reading output after the deadline kill.
const waitDelay = time.Second

// EvalOptions tune one Evaluate call.
type EvalOptions struct {
	// Await asks the worker to wait for the response, bounded by Timeout.
	Await   bool
	Timeout time.Duration
	Dir     string
	// Out receives the worker's stdout; nil discards it.
	Out io.Writer
}

// Evaluate sends input to the running worker through a one-shot
// `<worker> eval` invocation. Calls on one Supervisor never overlap.
func (s *Supervisor) Evaluate(ctx context.Context, input string, opts EvalOptions) error {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	args := []string{"eval", input}
	runCtx := ctx
	var timeout time.Duration
	if opts.Await {
		timeout = opts.Timeout
		if timeout <= 0 {
			timeout = DefaultEvalTimeout
		}
		args = append(args, "--await", "--timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else if opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}

	stderr := &tailBuffer{max: 4096}
	cmd := s.command(runCtx, opts.Dir, args...)
	cmd.Stdout = opts.Out
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.log.Error("eval spawn failed", "op", "eval", "input", input, "worker", s.worker, "error", err)
		return &SpawnError{Op: "eval", Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if opts.Await && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.log.Warn("eval timed out", "op", "eval", "input", input, "timeout", timeout)
		return &EvalError{Kind: EvalTimeout, Input: input, Timeout: timeout}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.log.Warn("eval failed", "op", "eval", "input", input, "exit_code", exitErr.ExitCode())
		return &EvalError{Kind: EvalNonZeroExit, Input: input, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return err
}

// command builds a one-shot worker invocation that dies with its context.
func (s *Supervisor) command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.worker, args...)
	cmd.Dir = dir
	cmd.Env = s.env.Merge(nil)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = waitDelay
	return cmd
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
