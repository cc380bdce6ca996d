package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// HomeEnv overrides the per-user state directory.
const HomeEnv = "AOCTL_HOME"

// RecordFileName is the ProcessRecord file inside the state directory.
const RecordFileName = "process.json"

// Record identifies the supervised worker. A record on disk is a belief
// that the process runs, not proof; see Supervisor.Status for liveness.
type Record struct {
	PID        int       `json:"pid"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"startTime"`
	ConfigPath string    `json:"configPath"`
	// StartUnix is the OS-reported creation time used to detect PID reuse.
	StartUnix int64 `json:"startUnix,omitempty"`
}

// RecordStore persists the single ProcessRecord.
type RecordStore interface {
	// Load returns the record and whether one exists.
	Load() (Record, bool, error)
	Save(rec Record) error
	// Delete removes the record; deleting a missing record is not an error.
	Delete() error
}

// DefaultHome returns $AOCTL_HOME or ~/.aoctl.
func DefaultHome() (string, error) {
	if h := os.Getenv(HomeEnv); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".aoctl"), nil
}

// FileRecordStore keeps the record as a JSON document at Path.
type FileRecordStore struct {
	Path string
}

// NewFileRecordStore returns a store at <dir>/process.json.
func NewFileRecordStore(dir string) *FileRecordStore {
	return &FileRecordStore{Path: filepath.Join(dir, RecordFileName)}
}

func (s *FileRecordStore) Load() (Record, bool, error) {
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
	if rec.PID <= 0 {
		return Record{}, false, fmt.Errorf("decode %s: invalid pid %d", s.Path, rec.PID)
	}
	return rec, true, nil
}

// Save writes through a temp file and rename so readers never see a
// partial document.
func (s *FileRecordStore) Save(rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o750); err != nil {
		return err
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileRecordStore) Delete() error {
	err := os.Remove(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
