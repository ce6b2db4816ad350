package automation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Snapshotter persists the active rule set so the engine can start without
// the management backend.
type Snapshotter interface {
	Save(rules []Rule) error
	Load() ([]Rule, error)
}

// SnapshotStore keeps the rule set as an indented JSON array in one file.
// The file holds exactly the rule shape received from the backend.
type SnapshotStore struct {
	path string
}

// NewSnapshotStore creates a store writing to path.
func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

// Path returns the snapshot file location.
func (s *SnapshotStore) Path() string {
	return s.path
}

// Save replaces the snapshot with rules. The file is written to a temporary
// sibling and renamed, so a crash never leaves a truncated snapshot.
func (s *SnapshotStore) Save(rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("creating snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("setting snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot back.
//
// Returns:
//   - []Rule: the rules in saved order
//   - error: ErrSnapshotNotFound if no file exists, ErrSnapshotCorrupt if it
//     cannot be parsed, or the read error
func (s *SnapshotStore) Load() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSnapshotCorrupt, s.path, err)
	}
	return rules, nil
}
