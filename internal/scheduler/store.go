package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// RecordFileName is the foreground schedule record inside the state dir.
const RecordFileName = "schedule.json"

// Record describes a foreground `schedule` run so another invocation can
// find and signal it.
type Record struct {
	PID       int       `json:"pid"`
	Config    Config    `json:"config"`
	StartedAt time.Time `json:"startedAt"`
	// StartUnix guards against PID reuse; 0 when unknown.
	StartUnix int64 `json:"startUnix,omitempty"`
}

// Store keeps the schedule Record as JSON.
type Store struct {
	Path string
}

func NewStore(dir string) *Store {
	return &Store{Path: filepath.Join(dir, RecordFileName)}
}

func (s *Store) Load() (Record, bool, error) {
	b, err := os.ReadFile(filepath.Clean(s.Path))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return rec, true, nil
}

func (s *Store) Save(rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.Path, b, 0o600)
}

func (s *Store) Delete() error {
	err := os.Remove(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
