package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aoctl",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised worker.",
		}, []string{"name"},
	)
	workerRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aoctl",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised worker.",
		}, []string{"name"},
	)
	workerThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aoctl",
			Subsystem: "worker",
			Name:      "threads",
			Help:      "Thread count of the supervised worker.",
		}, []string{"name"},
	)
)

// Sample is one resource reading of the worker.
type Sample struct {
	Name       string    `json:"name"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Target resolves the worker to sample; ok is false when none runs.
type Target func() (name string, pid int32, ok bool)

// WorkerSampler periodically reads the worker's CPU and memory usage.
type WorkerSampler struct {
	interval time.Duration
	target   Target

	mu   sync.RWMutex
	last *Sample
	prev string

	stop chan struct{}
	done chan struct{}
}

func NewWorkerSampler(interval time.Duration, target Target) *WorkerSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &WorkerSampler{interval: interval, target: target}
}

// Start samples immediately and then every interval until ctx ends or
// Stop is called.
func (w *WorkerSampler) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		t := time.NewTicker(w.interval)
		defer t.Stop()
		w.collect()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-t.C:
				w.collect()
			}
		}
	}()
}

func (w *WorkerSampler) Stop() {
	if w.stop == nil {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

// Last returns the most recent sample, if the worker was running then.
func (w *WorkerSampler) Last() (Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return Sample{}, false
	}
	return *w.last, true
}

func (w *WorkerSampler) collect() {
	name, pid, ok := w.target()
	var s *Sample
	if ok {
		got, err := readSample(name, pid)
		if err != nil {
			slog.Debug("worker sample failed", "name", name, "pid", pid, "error", err)
		} else {
			s = got
		}
	}

	w.mu.Lock()
	prev := w.prev
	w.last = s
	if s != nil {
		w.prev = s.Name
	} else {
		w.prev = ""
	}
	w.mu.Unlock()

	if prev != "" && (s == nil || s.Name != prev) && regOK.Load() {
		workerCPU.DeleteLabelValues(prev)
		workerRSS.DeleteLabelValues(prev)
		workerThreads.DeleteLabelValues(prev)
	}
	if s != nil && regOK.Load() {
		workerCPU.WithLabelValues(s.Name).Set(s.CPUPercent)
		workerRSS.WithLabelValues(s.Name).Set(float64(s.MemoryRSS))
		workerThreads.WithLabelValues(s.Name).Set(float64(s.NumThreads))
	}
}

func readSample(name string, pid int32) (*Sample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := &Sample{
		Name:       name,
		PID:        pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}
