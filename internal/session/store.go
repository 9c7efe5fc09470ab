package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNoSession is returned by Load when no session file exists on disk.
var ErrNoSession = errors.New("no active session")

// FileName is the session record inside the data directory.
const FileName = "session.json"

// SessionStore persists the current Session record.
type SessionStore interface {
	Save(s *Session) error
	Load() (*Session, error) // ErrNoSession when nothing was saved
	Delete() error
}

type fileStore struct {
	dir string
}

// NewSessionStore returns a SessionStore keeping FileName in dataDir,
// usually config.DataDir(). The directory is created when missing.
func NewSessionStore(dataDir string) (SessionStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &fileStore{dir: dataDir}, nil
}

func (f *fileStore) path() string { return filepath.Join(f.dir, FileName) }

// Save replaces the record atomically, so a reader never sees a partial file.
func (f *fileStore) Save(s *Session) error {
	if s.ID == "" {
		return errors.New("save session: missing id")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	if err := replaceFile(f.path(), append(data, '\n')); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

func (f *fileStore) Load() (*Session, error) {
	data, err := os.ReadFile(f.path())
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, ErrNoSession
	case err != nil:
		return nil, fmt.Errorf("read session record: %w", err)
	}

	s := new(Session)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse session record %s: %w", f.path(), err)
	}
	switch s.State {
	case StateIdle, StateActive, StateFinalizing, StateClosed:
	default:
		return nil, fmt.Errorf("parse session record %s: unknown state %q", f.path(), s.State)
	}
	return s, nil
}

func (f *fileStore) Delete() error {
	err := os.Remove(f.path())
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove session record: %w", err)
}

// replaceFile writes data next to path, syncs it and renames it into place.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()

	_, werr := tmp.Write(data)
	if werr == nil {
		werr = tmp.Sync()
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(name, path)
	}
	if werr != nil {
		os.Remove(name)
	}
	return werr
}
