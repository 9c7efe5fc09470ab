package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "nested", FileName))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRecordAndGet(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	entry := Entry{
		ID:           "s1",
		StartedAt:    start,
		StoppedAt:    start.Add(time.Hour),
		Roots:        []string{"/src/a", "/src/b"},
		LogDir:       "/data/sessions/s1",
		EventCount:   42,
		CorruptCount: 1,
		ExportPath:   "/out/orcai-s1.json",
	}
	require.NoError(t, c.Record(ctx, entry))

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, entry.Roots, got.Roots)
	assert.Equal(t, 42, got.EventCount)
	assert.Equal(t, 1, got.CorruptCount)
	assert.True(t, start.Equal(got.StartedAt))
	assert.True(t, start.Add(time.Hour).Equal(got.StoppedAt))
	assert.Equal(t, "/out/orcai-s1.json", got.ExportPath)
}

func TestRecordReplacesExisting(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, Entry{ID: "s1", StartedAt: time.Now(), EventCount: 1}))
	require.NoError(t, c.Record(ctx, Entry{ID: "s1", StartedAt: time.Now(), EventCount: 7, Aborted: true}))

	got, err := c.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.EventCount)
	assert.True(t, got.Aborted)

	all, err := c.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetUnknown(t *testing.T) {
	c := openCatalog(t)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRequiresID(t *testing.T) {
	c := openCatalog(t)
	assert.Error(t, c.Record(context.Background(), Entry{}))
}

func TestListNewestFirstWithLimit(t *testing.T) {
	c := openCatalog(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, c.Record(ctx, Entry{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	got, err := c.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	assert.Empty(t, got[0].Roots)
	assert.True(t, got[0].StoppedAt.IsZero())
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Record(context.Background(), Entry{ID: "keep", StartedAt: time.Now()}))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Get(context.Background(), "keep")
	assert.NoError(t, err)
}
