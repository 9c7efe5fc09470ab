package watch

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op describes what happened to a path, as reported by a backend.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

func (op Op) Has(o Op) bool { return op&o != 0 }

func (op Op) String() string {
	switch {
	case op.Has(OpRemove):
		return "remove"
	case op.Has(OpRename):
		return "rename"
	case op.Has(OpCreate):
		return "create"
	case op.Has(OpWrite):
		return "write"
	case op.Has(OpChmod):
		return "chmod"
	}
	return "unknown"
}

// RawChange is one notification from a backend. RenameTarget is set only by
// backends that can pair both sides of a rename.
type RawChange struct {
	Path         string
	Op           Op
	RenameTarget string
}

// Backend is the platform notification source. Subscribe and Unsubscribe act
// on a single directory; the Watcher handles recursion.
type Backend interface {
	Subscribe(dir string) error
	Unsubscribe(dir string) error
	Changes() <-chan RawChange
	Errors() <-chan error
	Close() error
}

// FSNotifyBackend adapts fsnotify. fsnotify reports a rename as a rename of
// the old path followed by a create of the new one, so RenameTarget is never
// set.
type FSNotifyBackend struct {
	w       *fsnotify.Watcher
	changes chan RawChange
	errs    chan error
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewFSNotifyBackend creates a backend backed by the OS notification API.
func NewFSNotifyBackend() (*FSNotifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &FSNotifyBackend{
		w:       w,
		changes: make(chan RawChange, 64),
		errs:    make(chan error, 8),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.pump()
	return b, nil
}

func (b *FSNotifyBackend) pump() {
	defer b.wg.Done()
	defer close(b.changes)
	defer close(b.errs)

	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.w.Events:
			if !ok {
				return
			}
			var op Op
			if ev.Has(fsnotify.Create) {
				op |= OpCreate
			}
			if ev.Has(fsnotify.Write) {
				op |= OpWrite
			}
			if ev.Has(fsnotify.Remove) {
				op |= OpRemove
			}
			if ev.Has(fsnotify.Rename) {
				op |= OpRename
			}
			if ev.Has(fsnotify.Chmod) {
				op |= OpChmod
			}
			if op == 0 {
				continue
			}
			select {
			case b.changes <- RawChange{Path: ev.Name, Op: op}:
			case <-b.done:
				return
			}
		case err, ok := <-b.w.Errors:
			if !ok {
				return
			}
			select {
			case b.errs <- err:
			case <-b.done:
				return
			}
		}
	}
}

func (b *FSNotifyBackend) Subscribe(dir string) error {
	return b.w.Add(dir)
}

func (b *FSNotifyBackend) Unsubscribe(dir string) error {
	err := b.w.Remove(dir)
	// The kernel drops the watch on its own when the directory goes away.
	if errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return nil
	}
	return err
}

func (b *FSNotifyBackend) Changes() <-chan RawChange { return b.changes }

func (b *FSNotifyBackend) Errors() <-chan error { return b.errs }

// Close stops the backend and waits for its goroutine to exit.
func (b *FSNotifyBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.w.Close()
		b.wg.Wait()
	})
	return err
}
