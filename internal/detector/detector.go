package detector

import "fmt"

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PIDDetector detects a process by PID. When StartUnix is set, a live PID
// whose start time differs is treated as a reused PID and reported dead.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if !pidAlive(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		cur := ProcStartUnix(d.PID)
		// allow one second of skew between the two clock sources
		if cur > 0 && (cur < d.StartUnix-1 || cur > d.StartUnix+1) {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }
