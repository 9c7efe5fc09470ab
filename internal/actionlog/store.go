// Package actionlog persists the events of one capture session as an
// append-only, hash-chained JSONL file.
package actionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orchestraitor/orcai/internal/clock"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/logging"
)

const (
	DefaultQueueDepth   = 256
	DefaultWriteRetries = 3
	DefaultRetryBackoff = 50 * time.Millisecond

	LogName    = "events.jsonl"
	lockName   = "events.lock"
	clockName  = "clock.json"
	reportName = "finalized.json"
)

// Options configures a Store.
type Options struct {
	QueueDepth   int
	WriteRetries int
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type logFile interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// openLogFile is replaced in tests to inject write failures.
var openLogFile = func(path string) (logFile, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
}

// Meta summarizes the state of a store.
type Meta struct {
	SessionID    string `json:"session_id"`
	Dir          string `json:"dir"`
	Count        int    `json:"count"`
	LastSequence uint64 `json:"last_sequence"`
	Finalized    bool   `json:"finalized"`
	Aborted      bool   `json:"aborted"`
}

type request struct {
	rec   Record
	reply chan reply
}

type reply struct {
	seq uint64
	err error
}

// Store is the durable action log of one session. A single writer goroutine
// owns the file; Append and Complete hand records to it through a bounded
// queue and return once the record is on disk.
type Store struct {
	dir       string
	path      string
	sessionID string
	opts      Options
	log       *slog.Logger
	clock     *clock.Clock
	lock      *os.File
	f         logFile

	mu       sync.RWMutex
	offset   int64 // end of the last durable record
	lastSeq  uint64
	prevHash string
	count    int
	commands map[uint64]bool
	report   *FinalizeReport
	failed   error

	queue      chan request
	closing    chan struct{}
	writerDone chan struct{}
	fatal      chan error

	stopOnce   sync.Once
	closeOnce  sync.Once
	finalizeMu sync.Mutex
}

// Open opens or creates the log in dir, recovering whatever a previous
// process left behind. A finalized log opens read-only.
func Open(dir, sessionID string, opts Options) (*Store, error) {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = DefaultWriteRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	lock, err := lockFile(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        dir,
		path:       filepath.Join(dir, LogName),
		sessionID:  sessionID,
		opts:       opts,
		log:        logging.Or(opts.Logger).With("component", "actionlog", "session_id", sessionID),
		lock:       lock,
		prevHash:   genesisHash(sessionID),
		commands:   make(map[uint64]bool),
		queue:      make(chan request, opts.QueueDepth),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		fatal:      make(chan error, 1),
	}

	if s.report, err = loadReport(filepath.Join(dir, reportName)); err != nil {
		unlockFile(lock)
		return nil, err
	}

	s.clock, err = clock.Open(filepath.Join(dir, clockName))
	if err != nil {
		unlockFile(lock)
		return nil, err
	}

	if err := s.recover(); err != nil {
		unlockFile(lock)
		return nil, err
	}
	// Every appended event is synced before Append returns, so numbers above
	// lastSeq were never given out.
	s.clock.Resume(s.lastSeq)

	if s.report != nil {
		s.stopOnce.Do(func() { close(s.closing) })
		close(s.writerDone)
		return s, nil
	}

	if s.f, err = openLogFile(s.path); err != nil {
		unlockFile(lock)
		return nil, fmt.Errorf("open action log: %w", err)
	}
	go s.writer()
	return s, nil
}

// recover indexes the existing log and cuts off an incomplete final record.
func (s *Store) recover() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat action log: %w", err)
	}
	lines, tail, err := scanLines(f)
	if err != nil {
		return fmt.Errorf("read action log: %w", err)
	}

	// A final line that does not parse was torn by a crash mid-write.
	if n := len(lines); n > 0 && lines[n-1].rec == nil {
		tail = lines[n-1].offset
		lines = lines[:n-1]
	}
	if tail < info.Size() && s.report == nil {
		s.log.Warn("truncating incomplete record at end of log", "offset", tail, "size", info.Size())
		if err := os.Truncate(s.path, tail); err != nil {
			return fmt.Errorf("truncate action log: %w", err)
		}
	}
	s.offset = tail

	for i, l := range lines {
		if l.rec == nil {
			s.log.Warn("unreadable record in log", "line", i+1, "error", l.err)
			continue
		}
		s.prevHash = l.rec.Hash
		if l.rec.Type != TypeEvent || l.rec.Event == nil {
			continue
		}
		s.count++
		if l.rec.Seq > s.lastSeq {
			s.lastSeq = l.rec.Seq
		}
		if l.rec.Event.Kind == event.KindCommand {
			s.commands[l.rec.Seq] = true
		}
	}
	if s.count > 0 {
		s.log.Info("recovered action log", "events", s.count, "last_sequence", s.lastSeq)
	}
	return nil
}

// Append persists ev and returns the sequence number it was given. It blocks
// while the queue is full.
func (s *Store) Append(ctx context.Context, ev event.Event) (uint64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}
	ev = ev.Clone()
	ev.Corrupt, ev.CorruptReason = false, ""
	return s.submit(ctx, Record{Type: TypeEvent, Event: &ev})
}

// Complete records the completion of the command event with sequence ref.
func (s *Store) Complete(ctx context.Context, ref uint64, c event.Completion) error {
	s.mu.RLock()
	ok := s.commands[ref]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, ref)
	}
	c.CompletedAt = c.CompletedAt.UTC()
	_, err := s.submit(ctx, Record{Type: TypeComplete, Ref: ref, Completion: &c})
	return err
}

func (s *Store) submit(ctx context.Context, rec Record) (uint64, error) {
	if err := s.writeErr(); err != nil {
		return 0, err
	}
	req := request{rec: rec, reply: make(chan reply, 1)}
	select {
	case s.queue <- req:
	case <-s.closing:
		return 0, s.closedErr()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.seq, r.err
	case <-s.writerDone:
		select {
		case r := <-req.reply:
			return r.seq, r.err
		default:
			return 0, s.closedErr()
		}
	}
}

func (s *Store) writeErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.failed != nil:
		return s.failed
	case s.report != nil:
		return ErrReadOnly
	}
	return nil
}

func (s *Store) closedErr() error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *Store) writer() {
	defer close(s.writerDone)
	for {
		select {
		case req := <-s.queue:
			req.reply <- s.handle(req.rec)
		case <-s.closing:
			for {
				select {
				case req := <-s.queue:
					req.reply <- s.handle(req.rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Store) handle(rec Record) reply {
	s.mu.RLock()
	failed := s.failed
	s.mu.RUnlock()
	if failed != nil {
		return reply{err: failed}
	}

	rec.Time = s.opts.Now().UTC()
	if rec.Type == TypeEvent {
		seq, err := s.clock.Next()
		if err != nil {
			return reply{err: s.fail(&PersistenceWriteFailure{Attempts: 1, Err: err})}
		}
		ev := *rec.Event
		ev.Sequence = seq
		ev.SessionID = s.sessionID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = rec.Time
		}
		ev.Timestamp = ev.Timestamp.UTC()
		rec.Seq = seq
		rec.Event = &ev
	}

	data, err := seal(&rec, s.prevHash)
	if err != nil {
		return reply{err: err}
	}
	if err := s.write(data); err != nil {
		return reply{err: s.fail(err)}
	}

	s.mu.Lock()
	s.offset += int64(len(data))
	s.prevHash = rec.Hash
	if rec.Type == TypeEvent {
		s.count++
		s.lastSeq = rec.Seq
		if rec.Event.Kind == event.KindCommand {
			s.commands[rec.Seq] = true
		}
	}
	s.mu.Unlock()
	return reply{seq: rec.Seq}
}

// write puts data at the end of the log and syncs it, retrying with backoff.
// A failed attempt is truncated away before the next one.
func (s *Store) write(data []byte) error {
	var err error
	for attempt := 0; attempt < s.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.opts.RetryBackoff << (attempt - 1))
		}
		if _, err = s.f.WriteAt(data, s.offset); err == nil {
			if err = s.f.Sync(); err == nil {
				return nil
			}
		}
		s.log.Warn("action log write failed", "attempt", attempt+1, "error", err)
		_ = s.f.Truncate(s.offset)
	}
	return &PersistenceWriteFailure{Attempts: s.opts.WriteRetries, Err: err}
}

func (s *Store) fail(err error) error {
	s.mu.Lock()
	s.failed = err
	s.mu.Unlock()
	s.log.Error("action log aborted", "error", err)
	select {
	case s.fatal <- err:
	default:
	}
	return err
}

// Fatal delivers the persistence failure that aborted the store, at most once.
func (s *Store) Fatal() <-chan error {
	return s.fatal
}

// ReadAll returns every durable event in sequence order with completions
// folded in. It reads a consistent prefix and is safe during appends.
func (s *Store) ReadAll() (event.ActionLog, error) {
	s.mu.RLock()
	off := s.offset
	report := s.report
	s.mu.RUnlock()

	out := event.ActionLog{SessionID: s.sessionID}
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	lines, _, err := scanLines(io.NewSectionReader(f, 0, off))
	if err != nil {
		return out, fmt.Errorf("read action log: %w", err)
	}
	out.Events = assemble(lines, report)
	return out, nil
}

func assemble(lines []line, report *FinalizeReport) []event.Event {
	var events []event.Event
	index := make(map[uint64]int)
	var completions []*Record
	for _, l := range lines {
		if l.rec == nil {
			continue
		}
		switch l.rec.Type {
		case TypeEvent:
			if l.rec.Event == nil {
				continue
			}
			index[l.rec.Event.Sequence] = len(events)
			events = append(events, *l.rec.Event)
		case TypeComplete:
			completions = append(completions, l.rec)
		}
	}
	for _, c := range completions {
		i, ok := index[c.Ref]
		if !ok || events[i].Command == nil || c.Completion == nil {
			continue
		}
		events[i].Command = c.Completion.Apply(events[i].Command)
	}
	if report != nil {
		for _, f := range report.Failures {
			if i, ok := index[f.Sequence]; ok && f.Sequence != 0 {
				events[i].Corrupt = true
				events[i].CorruptReason = f.Reason
			}
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
	return events
}

// Len returns the number of durable events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Meta returns a summary of the store.
func (s *Store) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Meta{
		SessionID:    s.sessionID,
		Dir:          s.dir,
		Count:        s.count,
		LastSequence: s.lastSeq,
		Finalized:    s.report != nil,
		Aborted:      s.failed != nil,
	}
}

// Dir returns the directory holding the log.
func (s *Store) Dir() string { return s.dir }

// Finalize stops accepting writes, verifies the whole log and persists the
// result. Later calls return the same report.
func (s *Store) Finalize(ctx context.Context) (*FinalizeReport, error) {
	s.finalizeMu.Lock()
	defer s.finalizeMu.Unlock()

	s.mu.RLock()
	report := s.report
	s.mu.RUnlock()
	if report != nil {
		return report, nil
	}

	s.stopOnce.Do(func() { close(s.closing) })
	select {
	case <-s.writerDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	report, err := s.verify()
	if err != nil {
		return nil, err
	}
	report.FinalizedAt = s.opts.Now().UTC()
	if err := saveReport(filepath.Join(s.dir, reportName), report); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.report = report
	s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	s.log.Info("action log finalized", "events", report.EventCount, "corrupt", report.CorruptCount())
	return report, nil
}

// Close stops the writer and releases the log. Pending appends fail with
// ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stopOnce.Do(func() { close(s.closing) })
		<-s.writerDone
		s.finalizeMu.Lock()
		if s.f != nil {
			err = s.f.Close()
			s.f = nil
		}
		s.finalizeMu.Unlock()
		if uerr := unlockFile(s.lock); err == nil {
			err = uerr
		}
	})
	return err
}

func loadReport(path string) (*FinalizeReport, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read finalize report: %w", err)
	}
	var r FinalizeReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse finalize report %s: %w", path, err)
	}
	return &r, nil
}

// saveReport writes the report atomically via a temp file + os.Rename.
func saveReport(path string, r *FinalizeReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal finalize report: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "finalized-*.json.tmp")
	if err != nil {
		return fmt.Errorf("save finalize report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save finalize report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save finalize report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save finalize report: %w", err)
	}
	return nil
}
