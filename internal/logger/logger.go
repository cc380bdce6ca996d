package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for subprocess output files.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted by SlogConfig.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Output formats accepted by SlogConfig.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config groups the CLI's own structured logging and the files that
// receive worker and dev server output.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

// SlogConfig configures the slog logger used by aoctl itself.
type SlogConfig struct {
	Level      string // debug, info, warn, error (default info)
	Format     string // text or json (default text)
	Color      bool   // ANSI level colors for the text format
	TimeStamps bool   // include time attribute
	Output     io.Writer
}

// FileConfig describes where subprocess output goes.
// If StdoutPath/StderrPath are empty and Dir is set, files are
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Enabled reports whether any output file is configured.
func (f FileConfig) Enabled() bool {
	return f.Dir != "" || f.StdoutPath != "" || f.StderrPath != ""
}

// NewSlogger builds a *slog.Logger from the slog settings.
func (c Config) NewSlogger() *slog.Logger {
	s := c.Slog
	out := s.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(s.Level)}
	if !s.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	var h slog.Handler
	switch strings.ToLower(s.Format) {
	case FormatJSON:
		h = slog.NewJSONHandler(out, opts)
	default:
		if s.Color {
			h = NewColorTextHandler(out, opts, s.TimeStamps)
		} else {
			h = slog.NewTextHandler(out, opts)
		}
	}
	return slog.New(h)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// ProcessWriters returns rotating writers for stdout and stderr of the named
// subprocess. A nil writer means that stream is not configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout, stderr, err := c.File.processPaths(name)
	if err != nil {
		return nil, nil, err
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

// ProcessFiles opens the stdout and stderr log files of the named subprocess
// in append mode. The files can be handed to a child that outlives the
// caller; rotation is left to the next attached run.
func (c Config) ProcessFiles(name string) (*os.File, *os.File, error) {
	stdout, stderr, err := c.File.processPaths(name)
	if err != nil {
		return nil, nil, err
	}
	var outF, errF *os.File
	if stdout != "" {
		if outF, err = openAppend(stdout); err != nil {
			return nil, nil, err
		}
	}
	if stderr != "" {
		if errF, err = openAppend(stderr); err != nil {
			if outF != nil {
				_ = outF.Close()
			}
			return nil, nil, err
		}
	}
	return outF, errF, nil
}

func (f FileConfig) processPaths(name string) (string, string, error) {
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return "", "", err
		}
	}
	return stdout, stderr, nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
