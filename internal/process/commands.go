package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/aoctl/internal/pattern"
)

// MonitorOptions configure `<worker> monitor`.
type MonitorOptions struct {
	// Name defaults to the recorded worker's name.
	Name    string
	Pattern string
	JSON    bool
	// Filter keeps only output lines that match this glob.
	Filter string
	Dir    string
	Out    io.Writer
}

// Monitor streams the worker's monitor output until it exits or ctx ends.
func (s *Supervisor) Monitor(ctx context.Context, opts MonitorOptions) error {
	name, err := s.resolveName(opts.Name)
	if err != nil {
		return err
	}
	args := []string{"monitor", name}
	if opts.Pattern != "" {
		args = append(args, "--pattern", opts.Pattern)
	}
	if opts.JSON {
		args = append(args, "--json")
	}
	out := opts.Out
	if opts.Filter != "" && out != nil {
		fw := newFilterWriter(out, pattern.Compile(opts.Filter))
		defer fw.Flush()
		out = fw
	}
	return s.run(ctx, "monitor", name, opts.Dir, out, args...)
}

// WatchOptions configure `<worker> watch`.
type WatchOptions struct {
	Name    string
	Pattern string
	Timeout time.Duration
	Count   int
	Dir     string
	Out     io.Writer
}

// Watch waits for messages matching Pattern on the named process.
func (s *Supervisor) Watch(ctx context.Context, opts WatchOptions) error {
	name, err := s.resolveName(opts.Name)
	if err != nil {
		return err
	}
	if opts.Pattern == "" {
		return errors.New("watch: pattern is required")
	}
	args := []string{"watch", name, opts.Pattern}
	if opts.Timeout > 0 {
		args = append(args, "--timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}
	if opts.Count > 0 {
		args = append(args, "--count", strconv.Itoa(opts.Count))
	}
	return s.run(ctx, "watch", name, opts.Dir, opts.Out, args...)
}

// Descriptor is one entry of `<worker> list`.
type Descriptor struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	Raw  string `json:"raw"`
}

// ListOptions configure List.
type ListOptions struct {
	// Filter is a glob matched against descriptor names.
	Filter string
	Dir    string
}

// List runs `<worker> list` and yields one descriptor per non-empty line.
// The command runs to completion before the sequence is returned.
func (s *Supervisor) List(ctx context.Context, opts ListOptions) (iter.Seq[Descriptor], error) {
	var buf bytes.Buffer
	if err := s.run(ctx, "list", "", opts.Dir, &buf, "list"); err != nil {
		return nil, err
	}
	var m *pattern.Matcher
	if opts.Filter != "" {
		m = pattern.Compile(opts.Filter)
	}
	data := buf.Bytes()
	return func(yield func(Descriptor) bool) {
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			d, ok := parseDescriptor(sc.Text())
			if !ok {
				continue
			}
			if m != nil && !m.Test(d.Name) {
				continue
			}
			if !yield(d) {
				return
			}
		}
	}, nil
}

func parseDescriptor(line string) (Descriptor, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return Descriptor{}, false
	}
	fields := strings.Fields(raw)
	d := Descriptor{Name: fields[0], Raw: raw}
	if len(fields) > 1 {
		d.ID = fields[1]
	}
	return d, true
}

// run executes a one-shot worker subcommand and converts failures into
// typed errors.
func (s *Supervisor) run(ctx context.Context, op, name, dir string, out io.Writer, args ...string) error {
	stderr := &tailBuffer{max: 4096}
	cmd := s.command(ctx, dir, args...)
	cmd.Stdout = out
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		s.log.Error("worker spawn failed", "op", op, "name", name, "worker", s.worker, "error", err)
		return &SpawnError{Op: op, Name: name, Err: err}
	}
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.log.Warn("worker command failed", "op", op, "name", name, "exit_code", exitErr.ExitCode())
		return &CommandError{Op: op, Name: name, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// resolveName falls back to the recorded worker name.
func (s *Supervisor) resolveName(name string) (string, error) {
	if name != "" {
		return name, nil
	}
	if rec, ok := s.loadRecord("resolve"); ok && rec.Name != "" {
		return rec.Name, nil
	}
	return "", ErrNoProcessName
}

// filterWriter forwards only complete lines accepted by the matcher.
type filterWriter struct {
	out     io.Writer
	m       *pattern.Matcher
	partial []byte
}

func newFilterWriter(out io.Writer, m *pattern.Matcher) *filterWriter {
	return &filterWriter{out: out, m: m}
}

func (f *filterWriter) Write(p []byte) (int, error) {
	f.partial = append(f.partial, p...)
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		line := f.partial[:i+1]
		if f.m.Test(strings.TrimRight(string(line), "\r\n")) {
			if _, err := f.out.Write(line); err != nil {
				return 0, err
			}
		}
		f.partial = f.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without newline if it matches.
func (f *filterWriter) Flush() {
	if len(f.partial) > 0 && f.m.Test(string(f.partial)) {
		_, _ = f.out.Write(f.partial)
	}
	f.partial = nil
}
