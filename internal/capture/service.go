// Package capture runs capture sessions: it wires the file watcher and the
// shell recorder to one action log and finalizes the log on stop.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/orchestraitor/orcai/internal/actionlog"
	"github.com/orchestraitor/orcai/internal/catalog"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/export"
	"github.com/orchestraitor/orcai/internal/logging"
	"github.com/orchestraitor/orcai/internal/recorder"
	"github.com/orchestraitor/orcai/internal/session"
	"github.com/orchestraitor/orcai/internal/shell"
	"github.com/orchestraitor/orcai/internal/watch"
)

// Options configures a Service.
type Options struct {
	// DataDir holds session.json, the spool and the per-session logs.
	DataDir string
	// Config supplies capture defaults and the export format and directory.
	Config config.Config
	// Shell is the user's shell, used to decide whether history polling is
	// needed. Defaults to shell.Current().
	Shell string
	// Catalog, when set, indexes every finished session.
	Catalog *catalog.Catalog
	// Backend creates the file system notification source for a session.
	Backend func() (watch.Backend, error)
	Logger  *slog.Logger
	Now     func() time.Time
	PID     int
}

// Service owns at most one capture session at a time.
type Service struct {
	opts     Options
	log      *slog.Logger
	sessions session.SessionStore

	mu  sync.Mutex
	cur *Session
}

// NewService returns a service persisting its state under opts.DataDir.
func NewService(opts Options) (*Service, error) {
	if opts.DataDir == "" {
		dir, err := config.DataDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data directory: %w", err)
		}
		opts.DataDir = dir
	}
	if opts.Shell == "" {
		opts.Shell = shell.Current()
	}
	if opts.Backend == nil {
		opts.Backend = func() (watch.Backend, error) { return watch.NewFSNotifyBackend() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	store, err := session.NewSessionStore(opts.DataDir)
	if err != nil {
		return nil, err
	}
	return &Service{
		opts:     opts,
		log:      logging.Or(opts.Logger).With("component", "capture"),
		sessions: store,
	}, nil
}

// Start begins capturing changes under roots (cfg.WatchedRoots when empty)
// and commands from the shell.
func (svc *Service) Start(ctx context.Context, roots []string, cfg config.Capture) (*Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if err := svc.checkIdle("start"); err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		roots = cfg.WatchedRoots
	}
	if len(roots) == 0 {
		return nil, errors.New("start: no watched roots")
	}

	meta := &session.Session{
		ID:           uuid.NewString(),
		State:        session.StateActive,
		StartTime:    svc.opts.Now().UTC(),
		WatchedRoots: roots,
		PID:          svc.opts.PID,
		Debounce:     cfg.Debounce,
	}
	meta.LogDir = logDir(svc.opts.DataDir, meta.ID)

	s, err := svc.launch(ctx, meta, cfg, false)
	if err != nil {
		return nil, err
	}
	svc.cur = s
	return s, nil
}

// Resume continues the session recorded in session.json whose owning process
// died while it was active. The log is recovered and sequence numbers
// continue above everything already assigned.
func (svc *Service) Resume(ctx context.Context) (*Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if svc.cur != nil && svc.cur.State() != session.StateClosed {
		return nil, &StateError{Op: "resume", State: svc.cur.State(), Err: ErrAlreadyActive}
	}
	meta, err := svc.sessions.Load()
	if errors.Is(err, session.ErrNoSession) {
		return nil, &StateError{Op: "resume", State: session.StateIdle, Err: ErrNotActive}
	}
	if err != nil {
		return nil, err
	}
	if !meta.Active() {
		return nil, &StateError{Op: "resume", State: meta.State, Err: ErrNotActive}
	}
	if meta.PID != svc.opts.PID && processAlive(meta.PID) {
		return nil, &StateError{Op: "resume", State: meta.State, Err: ErrAlreadyActive}
	}

	cfg := svc.opts.Config.Capture()
	if meta.Debounce > 0 {
		cfg.Debounce = meta.Debounce
	}
	meta.State = session.StateActive
	meta.PID = svc.opts.PID
	s, err := svc.launch(ctx, meta, cfg, true)
	if err != nil {
		return nil, err
	}
	svc.cur = s
	return s, nil
}

// checkIdle fails when a session is capturing in this process or in another
// live process. Called with svc.mu held.
func (svc *Service) checkIdle(op string) error {
	if svc.cur != nil && svc.cur.State() != session.StateClosed {
		return &StateError{Op: op, State: svc.cur.State(), Err: ErrAlreadyActive}
	}
	meta, err := svc.sessions.Load()
	if err != nil || !meta.Active() {
		return nil
	}
	if meta.PID != svc.opts.PID && processAlive(meta.PID) {
		return &StateError{Op: op, State: meta.State, Err: ErrAlreadyActive}
	}
	svc.log.Warn("previous session was interrupted", "session_id", meta.ID, "log_dir", meta.LogDir)
	return nil
}

func (svc *Service) launch(ctx context.Context, meta *session.Session, cfg config.Capture, resume bool) (*Session, error) {
	cfg = withDefaults(cfg)
	logger := svc.log.With("session_id", meta.ID)

	store, err := actionlog.Open(meta.LogDir, meta.ID, actionlog.Options{
		QueueDepth:   cfg.QueueDepth,
		WriteRetries: cfg.WriteRetries,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}
	if store.Meta().Finalized {
		store.Close()
		return nil, &StateError{Op: "resume", State: session.StateClosed, Err: ErrNotActive}
	}

	backend, err := svc.opts.Backend()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	w := watch.New(meta.WatchedRoots, backend, watch.Options{
		Debounce:      cfg.Debounce,
		Ignore:        cfg.IgnorePatterns,
		AlwaysIgnore:  []string{svc.opts.DataDir},
		MaxTextBytes:  cfg.MaxTextBytes,
		MaxCacheBytes: cfg.MaxCacheBytes,
		Logger:        logger,
	})
	rec := recorder.New(store, recorder.Options{MaxScriptBytes: cfg.MaxScriptBytes, Logger: logger})

	s := &Session{
		svc:     svc,
		cfg:     cfg,
		log:     logger,
		store:   store,
		watcher: w,
		rec:     rec,
		group:   new(errgroup.Group),
		meta:    meta,
		done:    make(chan struct{}),
	}

	if resume {
		log, err := store.ReadAll()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("read action log: %w", err)
		}
		for _, ev := range log.Events {
			if ev.Command != nil && ev.Command.Pending() {
				rec.Adopt(ev.Command.ID, ev.Sequence)
			}
		}
		s.warn("session resumed after interruption; commands run while capture was down were not recorded")
	}

	watchCtx, cancelWatch := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelWatch = cancelWatch
	for _, err := range w.Start(watchCtx) {
		s.warn("%v", err)
	}
	meta.WatchedRoots = w.Roots()

	tailer := recorder.NewTailer(shell.SpoolPath(svc.opts.DataDir), rec, logger)
	if resume {
		if err := tailer.SkipExisting(); err != nil {
			s.warn("shell spool unavailable: %v", err)
		}
	} else if err := shell.CreateSpool(svc.opts.DataDir); err != nil {
		s.warn("shell spool unavailable: %v", err)
	}

	var history *recorder.HistoryImporter
	if cfg.HistoryFallback && !shell.IsInstalled(svc.opts.Shell) {
		path, parser := recorder.DetectHistory(svc.opts.Shell, cfg.ShellHistoryPath)
		dir := ""
		if len(meta.WatchedRoots) > 0 {
			dir = meta.WatchedRoots[0]
		}
		history = recorder.NewHistoryImporter(path, parser, dir, logger)
		meta.HistoryBaselineCount = history.Baseline()
		s.warn("no shell plugin installed for %s; reading commands from %s without exit statuses (run `orcai setup`)", svc.opts.Shell, path)
	}

	s.saveMeta()
	s.run(tailer, history)
	logger.Info("capture session started", "roots", meta.WatchedRoots, "resume", resume)
	return s, nil
}

// Stop finalizes the current session and writes its export. Concurrent and
// repeated calls return the result of the one shutdown.
func (svc *Service) Stop(ctx context.Context, out StopOptions) (*Result, error) {
	s, err := svc.current("stop")
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, modeStop, out, nil)
}

// Abandon ends the current session without writing an export. The log stays
// on disk.
func (svc *Service) Abandon(ctx context.Context) error {
	s, err := svc.current("abandon")
	if err != nil {
		return err
	}
	if s.State() == session.StateClosed {
		return &StateError{Op: "abandon", State: session.StateClosed, Err: ErrNotActive}
	}
	_, err = s.finish(ctx, modeAbandon, StopOptions{}, nil)
	if errors.Is(err, ErrAborted) {
		return nil
	}
	return err
}

// Status describes the current or most recent session.
func (svc *Service) Status() Status {
	svc.mu.Lock()
	s := svc.cur
	svc.mu.Unlock()
	if s != nil {
		return s.Status()
	}
	meta, err := svc.sessions.Load()
	if err != nil {
		return Status{State: session.StateIdle}
	}
	return Status{
		SessionID:    meta.ID,
		State:        meta.State,
		StartedAt:    meta.StartTime,
		StoppedAt:    meta.StopTime,
		WatchedRoots: meta.WatchedRoots,
		LogDir:       meta.LogDir,
		Warnings:     meta.Warnings,
		Aborted:      meta.Aborted,
	}
}

// Active reports whether a session is capturing.
func (svc *Service) Active() bool {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.cur != nil && svc.cur.State() == session.StateActive
}

// Begin records the start of a shell command in the active session.
func (svc *Service) Begin(ctx context.Context, b recorder.Begin) (uint64, error) {
	s, err := svc.active("record")
	if err != nil {
		return 0, err
	}
	seq, err := s.rec.Begin(ctx, b)
	if errors.Is(err, recorder.ErrClosed) {
		return 0, &StateError{Op: "record", State: s.State(), Err: ErrNotActive}
	}
	return seq, err
}

// End records the completion of a shell command in the active session.
func (svc *Service) End(ctx context.Context, e recorder.End) error {
	s, err := svc.active("record")
	if err != nil {
		return err
	}
	err = s.rec.End(ctx, e)
	if errors.Is(err, recorder.ErrClosed) {
		return &StateError{Op: "record", State: s.State(), Err: ErrNotActive}
	}
	return err
}

func (svc *Service) current(op string) (*Session, error) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cur == nil {
		return nil, &StateError{Op: op, State: session.StateIdle, Err: ErrNotActive}
	}
	return svc.cur, nil
}

func (svc *Service) active(op string) (*Session, error) {
	s, err := svc.current(op)
	if err != nil {
		return nil, err
	}
	if st := s.State(); st != session.StateActive {
		return nil, &StateError{Op: op, State: st, Err: ErrNotActive}
	}
	return s, nil
}

// format picks the export format: the request, then config, then JSON.
func (svc *Service) format(out StopOptions) string {
	for _, f := range []string{out.Format, svc.opts.Config.DefaultFormat} {
		if parsed, err := export.ParseFormat(f); err == nil && f != "" {
			return parsed
		}
	}
	return export.FormatJSON
}

// outputDir resolves the export directory. Relative paths are taken from the
// first watched root, since the service may run in a different directory from
// the user's shell.
func (svc *Service) outputDir(out StopOptions, roots []string) string {
	dir := out.OutputDir
	if dir == "" {
		dir = svc.opts.Config.OutputDir
	}
	if dir == "" {
		dir = "."
	}
	if !filepath.IsAbs(dir) && len(roots) > 0 {
		dir = filepath.Join(roots[0], dir)
	}
	return dir
}

func withDefaults(cfg config.Capture) config.Capture {
	d := config.Defaults().Capture()
	if cfg.Debounce <= 0 {
		cfg.Debounce = d.Debounce
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = d.StopGrace
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = d.QueueDepth
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = d.WriteRetries
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = d.MaxTextBytes
	}
	if cfg.MaxCacheBytes <= 0 {
		cfg.MaxCacheBytes = d.MaxCacheBytes
	}
	if cfg.MaxScriptBytes <= 0 {
		cfg.MaxScriptBytes = d.MaxScriptBytes
	}
	return cfg
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
