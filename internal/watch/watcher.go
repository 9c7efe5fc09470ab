// Package watch turns file system notifications under a set of roots into
// debounced, diffed file change events.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/logging"
)

const (
	DefaultDebounce      = 150 * time.Millisecond
	DefaultMaxCacheBytes = 64 << 20
)

// WatchTargetUnavailable is returned by Start for a root that could not be
// attached. The remaining roots are still watched.
type WatchTargetUnavailable struct {
	Root string
	Err  error
}

func (e *WatchTargetUnavailable) Error() string {
	return fmt.Sprintf("watch target %s unavailable: %v", e.Root, e.Err)
}

func (e *WatchTargetUnavailable) Unwrap() error { return e.Err }

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	// MaxWait caps how long a burst of changes can keep postponing an event.
	// Defaults to ten times Debounce.
	MaxWait time.Duration
	Ignore  []string
	// AlwaysIgnore lists absolute directories that are never reported, such
	// as the orcai data directory.
	AlwaysIgnore  []string
	MaxTextBytes  int64
	MaxCacheBytes int64
	Logger        *slog.Logger
	Now           func() time.Time
}

type snapshot struct {
	hash    string
	content []byte // nil when binary or over the cache budget
	mode    fs.FileMode
	text    bool
}

type pending struct {
	path  string
	first time.Time
	timer *time.Timer
}

// Watcher produces file change events for everything under its roots. All of
// its state is owned by the loop goroutine started in Start.
type Watcher struct {
	roots   []string
	backend Backend
	opts    Options
	log     *slog.Logger
	engine  diff.Engine
	ignore  *Matcher

	cache      map[string]*snapshot
	cacheBytes int64
	needsBase  map[string]bool // existed before Start, no event emitted yet
	watched    map[string]bool
	pend       map[string]*pending

	out      chan event.Event
	due      chan *pending
	stopReq  chan struct{}
	abort    chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a watcher over roots. Nothing is attached until Start.
func New(roots []string, backend Backend, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * opts.Debounce
	}
	if opts.MaxCacheBytes <= 0 {
		opts.MaxCacheBytes = DefaultMaxCacheBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{
		roots:     roots,
		backend:   backend,
		opts:      opts,
		log:       logging.Or(opts.Logger).With("component", "watch"),
		engine:    diff.Engine{MaxTextBytes: opts.MaxTextBytes},
		cache:     make(map[string]*snapshot),
		needsBase: make(map[string]bool),
		watched:   make(map[string]bool),
		pend:      make(map[string]*pending),
		out:       make(chan event.Event, 16),
		due:       make(chan *pending),
		stopReq:   make(chan struct{}),
		abort:     make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Start attaches every root, primes the content cache and begins emitting
// events. Roots that cannot be attached are reported and skipped.
func (w *Watcher) Start(ctx context.Context) []error {
	var errs []error
	var roots []string
	for _, root := range w.roots {
		canon, err := canonicalRoot(root)
		if err != nil {
			errs = append(errs, &WatchTargetUnavailable{Root: root, Err: err})
			continue
		}
		roots = append(roots, canon)
	}
	w.roots = roots

	ignore, ignoreErrs := NewMatcher(roots, w.opts.Ignore, w.opts.AlwaysIgnore)
	w.ignore = ignore
	for _, err := range ignoreErrs {
		w.log.Warn("failed to read ignore file", "error", err)
	}

	kept := roots[:0]
	for _, root := range roots {
		if err := w.attach(root, true); err != nil {
			errs = append(errs, &WatchTargetUnavailable{Root: root, Err: err})
			continue
		}
		kept = append(kept, root)
	}
	w.roots = kept
	for _, err := range errs {
		w.log.Warn("skipping watch root", "error", err)
	}
	w.log.Info("watcher started", "roots", w.roots, "dirs", len(w.watched), "files", len(w.cache))

	w.started = true
	go w.loop(ctx)
	return errs
}

// Events is the stream of file change events. It is closed after Stop.
func (w *Watcher) Events() <-chan event.Event {
	return w.out
}

// Stop flushes every pending change, closes Events and releases the backend.
// If ctx ends first the remaining pending changes are dropped and ctx.Err is
// returned.
func (w *Watcher) Stop(ctx context.Context) error {
	if !w.started {
		w.stopOnce.Do(func() { close(w.out) })
		return w.backend.Close()
	}
	w.stopOnce.Do(func() { close(w.stopReq) })

	var err error
	select {
	case <-w.finished:
	case <-ctx.Done():
		close(w.abort)
		<-w.finished
		err = ctx.Err()
	}
	if cerr := w.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

// Roots returns the canonical roots that were attached.
func (w *Watcher) Roots() []string { return w.roots }

func canonicalRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", canon)
	}
	return filepath.Clean(canon), nil
}

// attach subscribes dir and every directory below it. When prime is set the
// files found are cached as pre-existing content; otherwise they are
// reported as created.
func (w *Watcher) attach(dir string, prime bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil // skip unreadable entries
		}
		if path != dir && w.ignore.Match(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if w.watched[path] {
				return nil
			}
			if err := w.backend.Subscribe(path); err != nil {
				if path == dir {
					return err
				}
				w.log.Warn("failed to watch directory", "dir", path, "error", err)
				return filepath.SkipDir
			}
			w.watched[path] = true
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if prime {
			if snap, err := w.read(path); err == nil {
				w.store(path, snap)
				w.needsBase[path] = true
			}
			return nil
		}
		if _, ok := w.cache[path]; !ok {
			w.fire(path)
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.finished)
	defer close(w.out)

	changes := w.backend.Changes()
	errs := w.backend.Errors()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.handle(c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.log.Warn("watch backend error", "error", err)
		case p := <-w.due:
			if w.pend[p.path] == p {
				w.fire(p.path)
			}
		case <-w.stopReq:
			w.drain(changes)
			w.flushAll()
			return
		case <-ctx.Done():
			w.flushAll()
			return
		case <-w.abort:
			w.dropAll()
			return
		}
		if w.aborted() {
			w.dropAll()
			return
		}
	}
}

// drain handles the changes the backend has already queued.
func (w *Watcher) drain(changes <-chan RawChange) {
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			w.handle(c)
		default:
			return
		}
	}
}

func (w *Watcher) aborted() bool {
	select {
	case <-w.abort:
		return true
	default:
		return false
	}
}

func (w *Watcher) handle(c RawChange) {
	path := filepath.Clean(c.Path)
	if w.ignore.Match(path) {
		return
	}
	w.log.Debug("raw change", "path", path, "op", c.Op.String())

	switch {
	case c.Op.Has(OpRename) && c.RenameTarget != "":
		w.rename(path, filepath.Clean(c.RenameTarget))
	case c.Op.Has(OpRemove) || c.Op.Has(OpRename):
		w.remove(path)
	case c.Op.Has(OpCreate):
		info, err := os.Lstat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.attach(path, false); err != nil {
				w.log.Warn("failed to attach new directory", "dir", path, "error", err)
			}
			return
		}
		w.schedule(path)
	default:
		w.schedule(path)
	}
}

// schedule (re)arms the trailing debounce for path.
func (w *Watcher) schedule(path string) {
	now := w.opts.Now()
	if p, ok := w.pend[path]; ok {
		if now.Sub(p.first) < w.opts.MaxWait {
			p.timer.Reset(w.opts.Debounce)
		}
		return
	}
	p := &pending{path: path, first: now}
	p.timer = time.AfterFunc(w.opts.Debounce, func() {
		select {
		case w.due <- p:
		case <-w.finished:
		}
	})
	w.pend[path] = p
}

// flush fires pending changes for path and everything beneath it.
func (w *Watcher) flush(path string) {
	var paths []string
	for p := range w.pend {
		if p == path || under(p, path) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		w.fire(p)
	}
}

// flushAll fires every pending change in the order it was first seen.
func (w *Watcher) flushAll() {
	ps := make([]*pending, 0, len(w.pend))
	for _, p := range w.pend {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].first.Equal(ps[j].first) {
			return ps[i].path < ps[j].path
		}
		return ps[i].first.Before(ps[j].first)
	})
	for _, p := range ps {
		if w.aborted() {
			w.dropAll()
			return
		}
		w.fire(p.path)
	}
}

func (w *Watcher) dropAll() {
	for path, p := range w.pend {
		p.timer.Stop()
		delete(w.pend, path)
	}
}

// fire re-reads path and emits whatever changed since the cached snapshot.
func (w *Watcher) fire(path string) {
	if p, ok := w.pend[path]; ok {
		p.timer.Stop()
		delete(w.pend, path)
	}

	prev, had := w.cache[path]
	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		if had {
			w.emitDeleted(path, prev)
		}
		return
	}
	cur, err := w.read(path)
	if err != nil {
		w.log.Warn("failed to read changed file", "path", path, "error", err)
		return
	}

	fc := &event.FileChangeEvent{Path: path, NewContentHash: cur.hash}
	switch {
	case !had:
		fc.ChangeKind = event.Created
		if cur.content == nil {
			fc.Binary = true
		} else {
			w.applyDiff(fc, nil, cur.content)
		}
	case prev.hash == cur.hash && prev.mode == cur.mode:
		return
	default:
		fc.ChangeKind = event.Modified
		fc.OldContentHash = prev.hash
		if prev.mode != cur.mode {
			before, after := prev.mode, cur.mode
			fc.PermissionsBefore = &before
			fc.PermissionsAfter = &after
		}
		switch {
		case !prev.text || !cur.text:
			fc.Binary = true
		case prev.hash == cur.hash:
			// Content is unchanged, only the line-ending flags are needed.
			_, eol := diff.SplitLines(cur.content)
			fc.Diff = diff.Script{OldNewlineAtEOF: eol, NewlineAtEOF: eol}
		case prev.content == nil:
			fc.ContentDropped = true
		default:
			w.applyDiff(fc, prev.content, cur.content)
		}
		w.attachBase(fc, prev)
	}
	w.store(path, cur)
	w.emit(fc)
}

func (w *Watcher) applyDiff(fc *event.FileChangeEvent, old, new []byte) {
	res := w.engine.Compute(old, new)
	if res.Fallback != nil {
		w.log.Warn("diff fell back to binary", "path", fc.Path, "error", res.Fallback)
	}
	fc.Binary = res.Binary
	fc.Diff = res.Script
}

func (w *Watcher) attachBase(fc *event.FileChangeEvent, prev *snapshot) {
	if !w.needsBase[fc.Path] {
		return
	}
	delete(w.needsBase, fc.Path)
	if prev != nil && prev.content != nil {
		base := string(prev.content)
		fc.Base = &base
	}
}

// remove handles a path that disappeared, which may be a file or a
// directory.
func (w *Watcher) remove(path string) {
	w.flush(path)

	if w.watched[path] {
		var dirs []string
		for dir := range w.watched {
			if dir == path || under(dir, path) {
				dirs = append(dirs, dir)
			}
		}
		for _, dir := range dirs {
			delete(w.watched, dir)
			if err := w.backend.Unsubscribe(dir); err != nil {
				w.log.Debug("unsubscribe failed", "dir", dir, "error", err)
			}
		}
	}

	var files []string
	for p := range w.cache {
		if p == path || under(p, path) {
			files = append(files, p)
		}
	}
	sort.Strings(files)
	for _, p := range files {
		if w.aborted() {
			return
		}
		w.emitDeleted(p, w.cache[p])
	}
}

func (w *Watcher) rename(from, to string) {
	w.flush(from)
	prev, ok := w.cache[from]
	if !ok {
		w.schedule(to)
		return
	}
	fc := &event.FileChangeEvent{
		Path:           from,
		ChangeKind:     event.Renamed,
		OldContentHash: prev.hash,
		NewContentHash: prev.hash,
		RenameTarget:   to,
	}
	w.attachBase(fc, prev)
	w.forget(from)
	w.store(to, prev)
	w.emit(fc)
}

func (w *Watcher) emitDeleted(path string, prev *snapshot) {
	fc := &event.FileChangeEvent{
		Path:           path,
		ChangeKind:     event.Deleted,
		OldContentHash: prev.hash,
	}
	w.attachBase(fc, prev)
	w.forget(path)
	w.emit(fc)
}

func (w *Watcher) emit(fc *event.FileChangeEvent) {
	ev := event.NewFileChange(w.opts.Now(), fc)
	w.log.Debug("file change", "path", fc.Path, "kind", fc.ChangeKind, "binary", fc.Binary)
	select {
	case w.out <- ev:
	case <-w.abort:
	}
}

// read loads path into a snapshot. Content is kept only for text that fits
// the cache budget.
func (w *Watcher) read(path string) (*snapshot, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{hash: diff.Hash(data), mode: info.Mode().Perm()}
	if w.engine.IsText(data) {
		snap.text = true
		snap.content = data
	}
	return snap, nil
}

func (w *Watcher) store(path string, snap *snapshot) {
	w.forget(path)
	if snap.content != nil && w.cacheBytes+int64(len(snap.content)) > w.opts.MaxCacheBytes {
		w.log.Debug("content cache full, keeping hash only", "path", path)
		snap = &snapshot{hash: snap.hash, mode: snap.mode, text: snap.text}
	}
	w.cacheBytes += int64(len(snap.content))
	w.cache[path] = snap
}

func (w *Watcher) forget(path string) {
	if old, ok := w.cache[path]; ok {
		w.cacheBytes -= int64(len(old.content))
		delete(w.cache, path)
	}
	delete(w.needsBase, path)
}

func under(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(filepath.Separator))
}
