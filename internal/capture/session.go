package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orchestraitor/orcai/internal/actionlog"
	"github.com/orchestraitor/orcai/internal/catalog"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/export"
	"github.com/orchestraitor/orcai/internal/recorder"
	"github.com/orchestraitor/orcai/internal/session"
	"github.com/orchestraitor/orcai/internal/shell"
	"github.com/orchestraitor/orcai/internal/watch"
)

// StopOptions controls the export written when a session stops.
type StopOptions struct {
	Format    string `json:"format,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
}

// Result is the outcome of a finished session.
type Result struct {
	SessionID  string                    `json:"session_id"`
	StartedAt  time.Time                 `json:"started_at"`
	StoppedAt  time.Time                 `json:"stopped_at"`
	Roots      []string                  `json:"roots"`
	Log        event.ActionLog           `json:"log"`
	Report     *actionlog.FinalizeReport `json:"report,omitempty"`
	Warnings   []string                  `json:"warnings,omitempty"`
	ExportPath string                    `json:"export_path,omitempty"`
	Abandoned  bool                      `json:"abandoned,omitempty"`
	Aborted    bool                      `json:"aborted,omitempty"`
}

// Status is a point-in-time view of the service.
type Status struct {
	SessionID       string        `json:"session_id,omitempty"`
	State           session.State `json:"state"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	StoppedAt       *time.Time    `json:"stopped_at,omitempty"`
	WatchedRoots    []string      `json:"watched_roots,omitempty"`
	LogDir          string        `json:"log_dir,omitempty"`
	EventCount      int           `json:"event_count"`
	PendingCommands int           `json:"pending_commands"`
	Warnings        []string      `json:"warnings,omitempty"`
	Aborted         bool          `json:"aborted,omitempty"`
}

type finishMode int

const (
	modeStop finishMode = iota
	modeAbandon
	modeAbort
)

// Session is one capture in progress: a watcher and a shell recorder feeding
// a single action log.
type Session struct {
	svc     *Service
	cfg     config.Capture
	log     *slog.Logger
	store   *actionlog.Store
	watcher *watch.Watcher
	rec     *recorder.Recorder
	group   *errgroup.Group

	cancelShell context.CancelFunc
	cancelWatch context.CancelFunc

	mu        sync.Mutex
	meta      *session.Session
	warnings  []string
	finishing bool

	done   chan struct{}
	result *Result
	err    error
}

// ID returns the session id.
func (s *Session) ID() string { return s.meta.ID }

// State returns the lifecycle state.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.State
}

// Done is closed once the session reached the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Log returns the events recorded so far.
func (s *Session) Log() (event.ActionLog, error) {
	return s.store.ReadAll()
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		SessionID:    s.meta.ID,
		State:        s.meta.State,
		StartedAt:    s.meta.StartTime,
		StoppedAt:    s.meta.StopTime,
		WatchedRoots: s.meta.WatchedRoots,
		LogDir:       s.meta.LogDir,
		EventCount:   s.store.Len(),
		Warnings:     append([]string(nil), s.warnings...),
		Aborted:      s.meta.Aborted,
	}
	if s.meta.State == session.StateActive {
		st.PendingCommands = s.rec.Pending()
	}
	return st
}

func (s *Session) warn(msg string, args ...any) {
	text := fmt.Sprintf(msg, args...)
	s.log.Warn(text)
	s.mu.Lock()
	s.warnings = append(s.warnings, text)
	s.mu.Unlock()
}

func (s *Session) setState(st session.State) {
	s.mu.Lock()
	s.meta.State = st
	s.mu.Unlock()
	s.saveMeta()
}

func (s *Session) saveMeta() {
	s.mu.Lock()
	meta := *s.meta
	meta.Warnings = append([]string(nil), s.warnings...)
	s.mu.Unlock()
	if err := s.svc.sessions.Save(&meta); err != nil {
		s.log.Warn("failed to save session metadata", "error", err)
	}
}

// run starts the goroutines that move events into the store.
func (s *Session) run(tailer *recorder.Tailer, history *recorder.HistoryImporter) {
	shellCtx, cancelShell := context.WithCancel(context.Background())
	s.cancelShell = cancelShell

	s.group.Go(func() error {
		for ev := range s.watcher.Events() {
			if _, err := s.store.Append(context.Background(), ev); err != nil {
				if !errors.Is(err, actionlog.ErrPersistence) {
					s.log.Warn("dropping file change", "path", ev.FileChange.Path, "error", err)
				}
			}
		}
		return nil
	})
	s.group.Go(func() error {
		if err := tailer.Run(shellCtx); err != nil && !errors.Is(err, recorder.ErrClosed) {
			s.warn("shell spool unavailable: %v", err)
		}
		return nil
	})
	if history != nil {
		s.group.Go(func() error {
			if err := history.Follow(shellCtx, s.rec); err != nil && !errors.Is(err, recorder.ErrClosed) {
				s.warn("shell history fallback failed: %v", err)
			}
			return nil
		})
	}

	go func() {
		select {
		case err := <-s.store.Fatal():
			s.finish(context.Background(), modeAbort, StopOptions{}, err)
		case <-s.done:
		}
	}()
}

// finish runs the shutdown sequence once. Every caller gets the same result;
// a caller whose ctx ends first returns ctx.Err while shutdown continues.
func (s *Session) finish(ctx context.Context, mode finishMode, out StopOptions, cause error) (*Result, error) {
	s.mu.Lock()
	if !s.finishing {
		s.finishing = true
		go func() {
			s.result, s.err = s.shutdown(mode, out, cause)
			close(s.done)
		}()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) shutdown(mode finishMode, out StopOptions, cause error) (*Result, error) {
	ctx := context.Background()
	s.setState(session.StateFinalizing)
	s.log.Info("finalizing capture session", "mode", mode)

	s.cancelShell()
	graceCtx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
	if err := s.watcher.Stop(graceCtx); err != nil {
		s.warn("file watcher did not drain within %s; pending changes were dropped", s.cfg.StopGrace)
	}
	cancel()
	s.cancelWatch()
	_ = s.group.Wait()

	if err := s.rec.Close(ctx); err != nil {
		s.warn("failed to finalize pending commands: %v", err)
	}
	if err := shell.RemoveSpool(s.svc.opts.DataDir); err != nil {
		s.log.Warn("failed to remove spool", "error", err)
	}

	report, err := s.store.Finalize(ctx)
	if err != nil {
		s.warn("integrity scan failed: %v", err)
	}
	log, err := s.store.ReadAll()
	if err != nil {
		s.store.Close()
		s.setState(session.StateClosed)
		return nil, fmt.Errorf("read action log: %w", err)
	}
	if n := log.CorruptCount(); n > 0 {
		s.warn("%d corrupt event(s) in action log", n)
	}
	if n := log.DroppedCount(); n > 0 {
		s.warn("%d file change(s) recorded without a diff: content cache limit reached", n)
	}
	if report != nil && report.Unreadable > 0 {
		s.warn("%d unreadable record(s) in action log", report.Unreadable)
	}
	if cause != nil {
		s.warn("capture aborted: %v", cause)
	}

	stop := s.svc.opts.Now().UTC()
	s.mu.Lock()
	s.meta.StopTime = &stop
	s.meta.Abandoned = mode == modeAbandon
	s.meta.Aborted = mode == modeAbort
	meta := *s.meta
	warnings := append([]string(nil), s.warnings...)
	s.mu.Unlock()

	res := &Result{
		SessionID: meta.ID,
		StartedAt: meta.StartTime,
		StoppedAt: stop,
		Roots:     meta.WatchedRoots,
		Log:       log,
		Report:    report,
		Warnings:  warnings,
		Abandoned: meta.Abandoned,
		Aborted:   meta.Aborted,
	}

	if mode == modeStop {
		doc := export.New(export.SessionMeta{
			ID:           meta.ID,
			StartTime:    meta.StartTime,
			StopTime:     stop,
			WatchedRoots: meta.WatchedRoots,
		}, log, warnings)
		path, err := export.Write(s.svc.outputDir(out, meta.WatchedRoots), doc, s.svc.format(out))
		if err != nil {
			s.warn("failed to write export: %v", err)
			res.Warnings = append(res.Warnings, err.Error())
		} else {
			res.ExportPath = path
			s.mu.Lock()
			s.meta.ExportPath = path
			s.mu.Unlock()
		}
	}

	s.setState(session.StateClosed)
	s.record(res)
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close action log", "error", err)
	}
	s.log.Info("capture session closed", "events", len(log.Events), "warnings", len(res.Warnings))

	if mode == modeAbort {
		return res, fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	return res, nil
}

func (s *Session) record(res *Result) {
	if s.svc.opts.Catalog == nil {
		return
	}
	entry := catalog.Entry{
		ID:           res.SessionID,
		StartedAt:    res.StartedAt,
		StoppedAt:    res.StoppedAt,
		Roots:        res.Roots,
		LogDir:       s.store.Dir(),
		EventCount:   len(res.Log.Events),
		CorruptCount: res.Log.CorruptCount(),
		ExportPath:   res.ExportPath,
		Aborted:      res.Aborted,
		Abandoned:    res.Abandoned,
	}
	if err := s.svc.opts.Catalog.Record(context.Background(), entry); err != nil {
		s.log.Warn("failed to record session in catalog", "error", err)
	}
}

// logDir returns where the action log of id lives.
func logDir(dataDir, id string) string {
	return filepath.Join(dataDir, "sessions", id)
}
