package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/orchestraitor/orcai/internal/session"
)

// generateTime produces an arbitrary time.Time at second precision.
func generateTime(t *rapid.T, label string) time.Time {
	sec := rapid.Int64Range(0, 1_700_000_000).Draw(t, label)
	return time.Unix(sec, 0).UTC()
}

func generateSession(t *rapid.T) *session.Session {
	var stopTime *time.Time
	if rapid.Bool().Draw(t, "has_stop_time") {
		st := generateTime(t, "stop")
		stopTime = &st
	}
	return &session.Session{
		ID:                   rapid.StringN(1, 36, -1).Draw(t, "id"),
		State:                rapid.SampledFrom([]session.State{session.StateIdle, session.StateActive, session.StateFinalizing, session.StateClosed}).Draw(t, "state"),
		StartTime:            generateTime(t, "start"),
		StopTime:             stopTime,
		WatchedRoots:         rapid.SliceOfN(rapid.StringN(1, 60, -1), 0, 4).Draw(t, "roots"),
		LogDir:               rapid.StringN(1, 100, -1).Draw(t, "log_dir"),
		PID:                  rapid.IntRange(1, 1<<22).Draw(t, "pid"),
		Debounce:             time.Duration(rapid.Int64Range(0, int64(time.Minute)).Draw(t, "debounce")),
		HistoryBaselineCount: rapid.IntRange(0, 100000).Draw(t, "baseline"),
		Aborted:              rapid.Bool().Draw(t, "aborted"),
	}
}

// Feature: orcai, Property 6: Session persistence round-trip
func TestSessionPersistenceRoundTrip(t *testing.T) {
	store, err := session.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}

	rapid.Check(t, func(t *rapid.T) {
		original := generateSession(t)
		if err := store.Save(original); err != nil {
			t.Fatalf("Save: %v", err)
		}
		loaded, err := store.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}

		if loaded.ID != original.ID {
			t.Errorf("ID mismatch: got %q, want %q", loaded.ID, original.ID)
		}
		if loaded.State != original.State {
			t.Errorf("State mismatch: got %q, want %q", loaded.State, original.State)
		}
		if !loaded.StartTime.Equal(original.StartTime) {
			t.Errorf("StartTime mismatch: got %v, want %v", loaded.StartTime, original.StartTime)
		}
		if (loaded.StopTime == nil) != (original.StopTime == nil) {
			t.Errorf("StopTime nil mismatch: got %v, want %v", loaded.StopTime, original.StopTime)
		} else if loaded.StopTime != nil && !loaded.StopTime.Equal(*original.StopTime) {
			t.Errorf("StopTime mismatch: got %v, want %v", *loaded.StopTime, *original.StopTime)
		}
		if len(loaded.WatchedRoots) != len(original.WatchedRoots) {
			t.Fatalf("WatchedRoots length mismatch: got %d, want %d", len(loaded.WatchedRoots), len(original.WatchedRoots))
		}
		for i := range original.WatchedRoots {
			if loaded.WatchedRoots[i] != original.WatchedRoots[i] {
				t.Errorf("WatchedRoots[%d] mismatch: got %q, want %q", i, loaded.WatchedRoots[i], original.WatchedRoots[i])
			}
		}
		if loaded.LogDir != original.LogDir || loaded.PID != original.PID || loaded.Debounce != original.Debounce {
			t.Errorf("scalar mismatch: got %+v, want %+v", loaded, original)
		}
		if loaded.HistoryBaselineCount != original.HistoryBaselineCount || loaded.Aborted != original.Aborted {
			t.Errorf("flag mismatch: got %+v, want %+v", loaded, original)
		}
	})
}

func TestLoadReturnsErrNoSession(t *testing.T) {
	store, err := session.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	_, err = store.Load()
	if !errors.Is(err, session.ErrNoSession) {
		t.Errorf("expected ErrNoSession, got: %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, err := session.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := store.Save(&session.Session{ID: "x", State: session.StateActive}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, session.ErrNoSession) {
		t.Errorf("expected ErrNoSession after delete, got: %v", err)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, session.FileName), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil || errors.Is(err, session.ErrNoSession) {
		t.Errorf("expected parse error, got: %v", err)
	}
}

func TestSaveFailurePropagatesError(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root; permission checks are ineffective")
	}

	tmp := t.TempDir()
	if err := os.Chmod(tmp, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { os.Chmod(tmp, 0o755) })

	if _, err := session.NewSessionStore(filepath.Join(tmp, "orcai")); err == nil {
		t.Fatal("expected error creating store in unwritable directory, got nil")
	}
}

func TestActive(t *testing.T) {
	for state, want := range map[session.State]bool{
		session.StateIdle:       false,
		session.StateActive:     true,
		session.StateFinalizing: true,
		session.StateClosed:     false,
	} {
		s := &session.Session{State: state}
		if s.Active() != want {
			t.Errorf("Active() for %s = %v, want %v", state, s.Active(), want)
		}
	}
}

func TestLoadRejectsUnknownState(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, session.FileName), []byte(`{"id":"a","state":"paused"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(); err == nil {
		t.Error("expected error for unknown state, got nil")
	}
}

func TestSaveRequiresID(t *testing.T) {
	store, err := session.NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	if err := store.Save(&session.Session{State: session.StateActive}); err == nil {
		t.Error("expected error saving a session without id")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := session.NewSessionStore(dir)
	if err != nil {
		t.Fatalf("NewSessionStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Save(&session.Session{ID: "s", State: session.StateActive, PID: i + 1}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != session.FileName {
		t.Errorf("unexpected directory contents: %v", entries)
	}
}
