package actionlog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/orchestraitor/orcai/internal/clock"
	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, "sess-1", Options{RetryBackoff: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func cmdEvent(line string) event.Event {
	now := time.Now()
	return event.NewCommand(now, &event.CommandEvent{
		ID:               uuid.NewString(),
		CommandLine:      line,
		WorkingDirectory: "/work",
		StartedAt:        now,
	})
}

func fileEvent(path, old, new string, kind event.ChangeKind) event.Event {
	res := diff.Compute([]byte(old), []byte(new))
	fc := &event.FileChangeEvent{
		Path:           path,
		ChangeKind:     kind,
		NewContentHash: res.NewHash,
		Diff:           res.Script,
	}
	if kind != event.Created {
		fc.OldContentHash = res.OldHash
	}
	return event.NewFileChange(time.Now(), fc)
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	s1, err := s.Append(ctx, cmdEvent("make build"))
	require.NoError(t, err)
	s2, err := s.Append(ctx, fileEvent("/work/a.txt", "", "hi\n", event.Created))
	require.NoError(t, err)
	assert.Greater(t, s2, s1)

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 2)
	assert.Equal(t, "sess-1", log.SessionID)
	assert.Equal(t, s1, log.Events[0].Sequence)
	assert.Equal(t, s2, log.Events[1].Sequence)
	for _, ev := range log.Events {
		assert.Equal(t, "sess-1", ev.SessionID)
		assert.Equal(t, time.UTC, ev.Timestamp.Location())
	}
	assert.Equal(t, 2, s.Len())
}

func TestAppendRejectsInvalidEvents(t *testing.T) {
	s := openStore(t, t.TempDir())
	_, err := s.Append(context.Background(), event.Event{Kind: event.KindCommand})
	assert.ErrorIs(t, err, event.ErrInvalidEvent)
	assert.Equal(t, 0, s.Len())
}

func TestCompleteFoldsIntoCommand(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	seq, err := s.Append(ctx, cmdEvent("go test ./..."))
	require.NoError(t, err)
	exit := 1
	done := time.Now()
	require.NoError(t, s.Complete(ctx, seq, event.Completion{ExitStatus: &exit, CompletedAt: done}))

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 1)
	cmd := log.Events[0].Command
	assert.Equal(t, seq, log.Events[0].Sequence)
	require.NotNil(t, cmd.ExitStatus)
	assert.Equal(t, 1, *cmd.ExitStatus)
	require.NotNil(t, cmd.CompletedAt)
	assert.True(t, done.Equal(*cmd.CompletedAt))
	assert.Equal(t, 1, s.Len(), "completions are not events")

	err = s.Complete(ctx, 999, event.Completion{CompletedAt: done})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestConcurrentAppendsAreUnique(t *testing.T) {
	s, err := Open(t.TempDir(), "sess-1", Options{QueueDepth: 4})
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint64]bool{}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				seq, err := s.Append(context.Background(), cmdEvent("echo hi"))
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[seq] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 200)
	for i := 1; i < len(log.Events); i++ {
		require.Greater(t, log.Events[i].Sequence, log.Events[i-1].Sequence)
	}
}

func TestReadAllDuringAppendsSeesConsistentPrefix(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			if _, err := s.Append(ctx, cmdEvent("step")); err != nil {
				return
			}
		}
	}()

	prev := 0
	for {
		log, err := s.ReadAll()
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(log.Events), prev)
		for i := 1; i < len(log.Events); i++ {
			require.Greater(t, log.Events[i].Sequence, log.Events[i-1].Sequence)
		}
		prev = len(log.Events)
		select {
		case <-done:
			log, err := s.ReadAll()
			require.NoError(t, err)
			assert.Len(t, log.Events, 100)
			return
		default:
		}
	}
}

func TestIncompleteTailIsTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "sess-1", Options{})
	require.NoError(t, err)
	var last uint64
	for i := 0; i < 3; i++ {
		last, err = s.Append(ctx, cmdEvent("ls"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	// Simulate a crash in the middle of writing a fourth record.
	f, err := os.OpenFile(filepath.Join(dir, LogName), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"v":1,"type":"event","seq":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openStore(t, dir)
	assert.Equal(t, 3, s.Len())

	seq, err := s.Append(ctx, cmdEvent("pwd"))
	require.NoError(t, err)
	assert.Equal(t, last+1, seq)

	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 4, report.EventCount)
}

func TestReopenContinuesHashChain(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "sess-1", Options{})
	require.NoError(t, err)
	_, err = s.Append(ctx, fileEvent("/w/a", "", "one\n", event.Created))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	_, err = s.Append(ctx, fileEvent("/w/a", "one\n", "one\ntwo\n", event.Modified))
	require.NoError(t, err)

	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 2, report.EventCount)
}

func TestReopenLeavesNoSequenceGap(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "sess-1", Options{})
	require.NoError(t, err)
	for _, line := range []string{"ls", "pwd", "id"} {
		_, err := s.Append(ctx, cmdEvent(line))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	_, err = s.Append(ctx, cmdEvent("date"))
	require.NoError(t, err)

	log, err := s.ReadAll()
	require.NoError(t, err)
	var seqs []uint64
	for _, ev := range log.Events {
		seqs = append(seqs, ev.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqs)
}

func TestSecondWriterIsLocked(t *testing.T) {
	dir := t.TempDir()
	openStore(t, dir)

	_, err := Open(dir, "sess-1", Options{})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestCorruptClockFailsOpen(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, clockName), []byte("garbage"), 0o600))

	_, err := Open(dir, "sess-1", Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, clock.ErrClockInit)

	// The lock is released so a repaired directory can be opened.
	require.NoError(t, os.Remove(filepath.Join(dir, clockName)))
	openStore(t, dir)
}

type flakyFile struct {
	logFile
	failures atomic.Int32
}

func (f *flakyFile) WriteAt(p []byte, off int64) (int, error) {
	if f.failures.Add(-1) >= 0 {
		// Leave a partial write behind, as a full disk would.
		n, _ := f.logFile.WriteAt(p[:len(p)/2], off)
		return n, errors.New("no space left on device")
	}
	return f.logFile.WriteAt(p, off)
}

func withFlakyLog(t *testing.T, failures int) {
	t.Helper()
	orig := openLogFile
	openLogFile = func(path string) (logFile, error) {
		f, err := orig(path)
		if err != nil {
			return nil, err
		}
		ff := &flakyFile{logFile: f}
		ff.failures.Store(int32(failures))
		return ff, nil
	}
	t.Cleanup(func() { openLogFile = orig })
}

func TestTransientWriteFailureIsRetried(t *testing.T) {
	withFlakyLog(t, 2)
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Append(ctx, cmdEvent("first"))
	require.NoError(t, err)
	_, err = s.Append(ctx, cmdEvent("second"))
	require.NoError(t, err)

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 2)

	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
}

func TestPersistentWriteFailureAbortsStore(t *testing.T) {
	withFlakyLog(t, 1000)
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Append(ctx, cmdEvent("doomed"))
	var pwf *PersistenceWriteFailure
	require.True(t, errors.As(err, &pwf), "got %v", err)
	assert.Equal(t, DefaultWriteRetries, pwf.Attempts)

	select {
	case fatal := <-s.Fatal():
		assert.ErrorAs(t, fatal, &pwf)
	case <-time.After(time.Second):
		t.Fatal("no fatal error published")
	}

	_, err = s.Append(ctx, cmdEvent("after"))
	assert.ErrorAs(t, err, &pwf)
	assert.True(t, s.Meta().Aborted)
	assert.Equal(t, 0, s.Len())
}

func TestFinalizeFlagsCorruptEntriesAndKeepsThem(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	good, err := s.Append(ctx, fileEvent("/w/a", "", "a\n", event.Created))
	require.NoError(t, err)

	bad := fileEvent("/w/a", "a\n", "b\n", event.Modified)
	bad.FileChange.NewContentHash = diff.Hash([]byte("something else\n"))
	badSeq, err := s.Append(ctx, bad)
	require.NoError(t, err)

	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, badSeq, report.Failures[0].Sequence)
	assert.Contains(t, report.Failures[0].Reason, "does not match new hash")

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 2)
	assert.Equal(t, good, log.Events[0].Sequence)
	assert.False(t, log.Events[0].Corrupt)
	assert.True(t, log.Events[1].Corrupt)
	assert.Equal(t, 1, log.CorruptCount())

	again, err := s.Finalize(ctx)
	require.NoError(t, err)
	assert.Same(t, report, again)

	_, err = s.Append(ctx, cmdEvent("late"))
	assert.ErrorIs(t, err, ErrReadOnly)
	require.NoError(t, s.Close())

	reopened := openStore(t, dir)
	assert.True(t, reopened.Meta().Finalized)
	r2, err := reopened.Finalize(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.Failures, r2.Failures)
	_, err = reopened.Append(ctx, cmdEvent("late"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestDroppedContentIsNotFlagged(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Append(ctx, fileEvent("/w/a", "", "a\n", event.Created))
	require.NoError(t, err)
	_, err = s.Append(ctx, event.NewFileChange(time.Now(), &event.FileChangeEvent{
		Path:           "/w/a",
		ChangeKind:     event.Modified,
		OldContentHash: diff.Hash([]byte("a\n")),
		NewContentHash: diff.Hash([]byte("a\nb\n")),
		ContentDropped: true,
	}))
	require.NoError(t, err)
	_, err = s.Append(ctx, fileEvent("/w/a", "a\nb\n", "a\nb\nc\n", event.Modified))
	require.NoError(t, err)

	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Failures)

	log, err := s.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, 0, log.CorruptCount())
	assert.Equal(t, 1, log.DroppedCount())
}

func TestTamperedRecordIsFlagged(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, "sess-1", Options{})
	require.NoError(t, err)
	for _, line := range []string{"one", "two", "three"} {
		_, err := s.Append(ctx, cmdEvent("echo "+line))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	path := filepath.Join(dir, LogName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "echo two", "rm -rf /", 1)), 0o600))

	s = openStore(t, dir)
	report, err := s.Finalize(ctx)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, 2, report.Failures[0].Line)
	assert.Contains(t, report.Failures[0].Reason, "record hash mismatch")

	log, err := s.ReadAll()
	require.NoError(t, err)
	require.Len(t, log.Events, 3)
	assert.True(t, log.Events[1].Corrupt)
}

func TestAppendAfterCloseFails(t *testing.T) {
	s, err := Open(t.TempDir(), "sess-1", Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Append(context.Background(), cmdEvent("ls"))
	assert.ErrorIs(t, err, ErrClosed)
}

// Feature: orcai, Property 2: a log of diffs computed from real content
// always verifies.
func TestComputedHistoriesVerify(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp(t.TempDir(), "store")
		if err != nil {
			rt.Fatal(err)
		}
		s, err := Open(dir, "sess-1", Options{})
		if err != nil {
			rt.Fatal(err)
		}
		defer s.Close()

		line := rapid.StringMatching(`[a-c]{0,3}`)
		versions := rapid.SliceOfN(rapid.SliceOfN(line, 0, 6), 1, 6).Draw(rt, "versions")
		ctx := context.Background()
		prev := ""
		for i, v := range versions {
			cur := strings.Join(v, "\n")
			kind := event.Modified
			if i == 0 {
				kind = event.Created
			} else if cur == prev {
				continue
			}
			if _, err := s.Append(ctx, fileEvent("/w/f.txt", prev, cur, kind)); err != nil {
				rt.Fatal(err)
			}
			prev = cur
		}

		report, err := s.Finalize(ctx)
		if err != nil {
			rt.Fatal(err)
		}
		if len(report.Failures) != 0 {
			rt.Fatalf("unexpected failures: %+v", report.Failures[0])
		}
	})
}
