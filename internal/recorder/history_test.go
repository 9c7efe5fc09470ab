package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Feature: orcai, Property 4: Per-shell history parsing
func TestPerShellHistoryParsing(t *testing.T) {
	formats := map[string]struct {
		parser HistoryParser
		line   func(cmd string, epoch int64) string
	}{
		"bash": {parseBashHistory, func(cmd string, epoch int64) string { return fmt.Sprintf("#%d\n%s\n", epoch, cmd) }},
		"zsh":  {parseZshHistory, func(cmd string, epoch int64) string { return fmt.Sprintf(": %d:0;%s\n", epoch, cmd) }},
		"fish": {parseFishHistory, func(cmd string, epoch int64) string { return fmt.Sprintf("- cmd: %s\n  when: %d\n", cmd, epoch) }},
	}
	for name, f := range formats {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				n := rapid.IntRange(1, 10).Draw(t, "n")
				cmds := make([]string, n)
				epochs := make([]int64, n)
				var sb strings.Builder
				for i := 0; i < n; i++ {
					cmds[i] = rapid.StringMatching(`[a-z][a-z0-9 ]{0,20}`).Draw(t, fmt.Sprintf("cmd%d", i))
					epochs[i] = rapid.Int64Range(1_000_000_000, 1_700_000_000).Draw(t, fmt.Sprintf("epoch%d", i))
					sb.WriteString(f.line(cmds[i], epochs[i]))
				}

				parsed, err := f.parser(strings.NewReader(sb.String()))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(parsed) != n {
					t.Fatalf("expected %d commands, got %d", n, len(parsed))
				}
				for i := range cmds {
					if parsed[i].Command != cmds[i] {
						t.Fatalf("entry %d: expected command %q, got %q", i, cmds[i], parsed[i].Command)
					}
					if parsed[i].Time.Unix() != epochs[i] {
						t.Fatalf("entry %d: expected timestamp %d, got %d", i, epochs[i], parsed[i].Time.Unix())
					}
				}
			})
		})
	}
}

func TestPlainHistoryHasNoTimestamps(t *testing.T) {
	parsed, err := parseZshHistory(strings.NewReader("ls\ncd /tmp\n"))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.True(t, parsed[0].Time.IsZero())
	assert.Equal(t, "cd /tmp", parsed[1].Command)
}

func TestDetectHistory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, _ := DetectHistory("zsh", "")
	assert.Equal(t, filepath.Join(home, ".zsh_history"), path)
	path, _ = DetectHistory("fish", "")
	assert.Equal(t, filepath.Join(home, ".local", "share", "fish", "fish_history"), path)
	path, _ = DetectHistory("tcsh", "")
	assert.Equal(t, filepath.Join(home, ".bash_history"), path)
	path, _ = DetectHistory("zsh", "/custom/hist")
	assert.Equal(t, "/custom/hist", path)
}

func TestHistoryImportSkipsBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bash_history")
	require.NoError(t, os.WriteFile(path, []byte("old one\nold two\n"), 0o600))

	h := NewHistoryImporter(path, parseBashHistory, "/work", nil)
	assert.Equal(t, 2, h.Baseline())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("orcai status\nmake test\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	store := newMemStore()
	rec := New(store, Options{})
	n, err := h.Import(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.Import(context.Background(), rec)
	require.NoError(t, err)
	assert.Zero(t, n, "entries are imported once")

	cmds := store.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "make test", cmds[0].CommandLine)
	assert.Equal(t, "/work", cmds[0].WorkingDirectory)

	require.NoError(t, rec.Close(context.Background()))
	assert.True(t, store.commands()[0].ExitUnknown)
}

func TestHistoryImportShrunkFileResetsBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bash_history")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o600))
	h := NewHistoryImporter(path, parseBashHistory, "", nil)

	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o600))
	n, err := h.Import(context.Background(), New(newMemStore(), Options{}))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, h.Baseline())
}

func TestHistoryImportMissingFile(t *testing.T) {
	h := NewHistoryImporter("/nonexistent/path/to/history_file_xyz", parseBashHistory, "", nil)
	_, err := h.Import(context.Background(), New(newMemStore(), Options{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history")
}
