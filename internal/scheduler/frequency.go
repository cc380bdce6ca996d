package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is a worker cron string of the form "<n>-<unit>", e.g. "5-minutes".
type Frequency struct {
	N    int
	Unit time.Duration
	raw  string
}

var frequencyUnits = map[string]time.Duration{
	"second":  time.Second,
	"seconds": time.Second,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
}

// ParseFrequency validates a worker cron frequency.
func ParseFrequency(s string) (Frequency, error) {
	raw := strings.TrimSpace(s)
	n, unit, ok := strings.Cut(raw, "-")
	if !ok {
		return Frequency{}, fmt.Errorf("invalid frequency %q: want <n>-<unit>", s)
	}
	count, err := strconv.Atoi(n)
	if err != nil || count <= 0 {
		return Frequency{}, fmt.Errorf("invalid frequency %q: count must be a positive integer", s)
	}
	d, ok := frequencyUnits[strings.ToLower(unit)]
	if !ok {
		return Frequency{}, fmt.Errorf("invalid frequency %q: unknown unit %q", s, unit)
	}
	return Frequency{N: count, Unit: d, raw: raw}, nil
}

// Duration is the period between runs.
func (f Frequency) Duration() time.Duration { return time.Duration(f.N) * f.Unit }

func (f Frequency) String() string { return f.raw }
