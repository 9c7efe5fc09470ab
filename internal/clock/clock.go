// Package clock hands out the sequence numbers that order an action log.
package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ReserveBlock is how many sequence numbers are reserved per high-water
// mark write.
const ReserveBlock = 64

// ErrClockInit is matched by every InitError.
var ErrClockInit = errors.New("event clock init failed")

// InitError is returned by Open when the persisted high-water mark exists but
// cannot be read. Starting from zero would reorder a resumed session, so
// there is no fallback.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("event clock: cannot read high-water mark %s: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

func (e *InitError) Is(target error) bool { return target == ErrClockInit }

type mark struct {
	HighWater uint64 `json:"high_water"`
}

// Clock is a strictly increasing sequence source whose high-water mark
// survives restarts.
type Clock struct {
	mu       sync.Mutex
	path     string
	last     uint64 // last value handed out
	reserved uint64 // persisted upper bound; values <= reserved are safe to hand out
}

// Open loads the clock persisted at path. A missing file starts a fresh clock.
func Open(path string) (*Clock, error) {
	c := &Clock{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, &InitError{Path: path, Err: err}
	}

	var m mark
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &InitError{Path: path, Err: err}
	}
	// Anything up to the reserved bound may have been handed out before the
	// restart, so resume above it.
	c.last = m.HighWater
	c.reserved = m.HighWater
	return c, nil
}

// Next returns the next sequence number.
func (c *Clock) Next() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.last + 1
	if next > c.reserved {
		if err := c.persist(next + ReserveBlock - 1); err != nil {
			return 0, err
		}
	}
	c.last = next
	return next, nil
}

// Resume positions the clock so that the next value is seq+1. Callers pass
// the last sequence known to be durable; values reserved above it were never
// handed out to anyone who kept them. The high-water mark is left as is.
func (c *Clock) Resume(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = seq
}

// persist writes the high-water mark atomically via a temp file + os.Rename.
func (c *Clock) persist(hw uint64) error {
	data, err := json.Marshal(mark{HighWater: hw})
	if err != nil {
		return fmt.Errorf("persist high-water mark: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), "clock-*.json.tmp")
	if err != nil {
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist high-water mark: %w", err)
	}
	c.reserved = hw
	return nil
}
