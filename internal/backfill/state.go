package backfill

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultStatePath is used when a run does not name its own state file.
const DefaultStatePath = "~/.tally/backfill-state.json"

// BackfillState is the resumable progress of an import. Files already in
// Done are skipped when the same state file is loaded again.
type BackfillState struct {
	StartedAt          time.Time            `json:"started_at"`
	LastProcessedAt    time.Time            `json:"last_processed_at"`
	Done               map[string]time.Time `json:"done"`
	FilesRemaining     int                  `json:"files_remaining"`
	DocumentsProcessed int                  `json:"documents_processed"`
	AutoApproved       int                  `json:"auto_approved"`
	Queued             int                  `json:"queued"`
	Duplicates         int                  `json:"duplicates"`
	Errors             []string             `json:"errors,omitempty"`

	path string
}

// LoadState reads the state at path. A missing file starts a fresh run.
func LoadState(path string) (*BackfillState, error) {
	if path == "" {
		path = DefaultStatePath
	}
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return &BackfillState{StartedAt: time.Now().UTC(), Done: map[string]time.Time{}, path: p}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backfill state %s: %w", p, err)
	}

	s := &BackfillState{path: p}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse backfill state %s: %w", p, err)
	}
	if s.Done == nil {
		s.Done = map[string]time.Time{}
	}
	return s, nil
}

// Save writes the state through a temp file so an interrupted run never
// leaves a truncated state behind.
func (s *BackfillState) Save() error {
	s.LastProcessedAt = time.Now().UTC()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backfill state: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".backfill-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *BackfillState) Path() string {
	return s.path
}

func (s *BackfillState) IsProcessed(file string) bool {
	_, ok := s.Done[file]
	return ok
}

func (s *BackfillState) MarkProcessed(file string) {
	if s.Done == nil {
		s.Done = map[string]time.Time{}
	}
	s.Done[file] = time.Now().UTC()
}

func (s *BackfillState) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}
