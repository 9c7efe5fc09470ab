// Package catalog indexes finished capture sessions in a SQLite database so
// they can be listed and exported again later.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FileName is the catalog database inside the data directory.
const FileName = "catalog.db"

// ErrNotFound is returned by Get for an unknown session id.
var ErrNotFound = errors.New("session not in catalog")

// Entry describes one finished session.
type Entry struct {
	ID           string    `json:"id"`
	StartedAt    time.Time `json:"started_at"`
	StoppedAt    time.Time `json:"stopped_at"`
	Roots        []string  `json:"roots"`
	LogDir       string    `json:"log_dir"`
	EventCount   int       `json:"event_count"`
	CorruptCount int       `json:"corrupt_count"`
	ExportPath   string    `json:"export_path,omitempty"`
	Aborted      bool      `json:"aborted,omitempty"`
	Abandoned    bool      `json:"abandoned,omitempty"`
}

// Catalog is the GORM-backed session index.
type Catalog struct {
	db *gorm.DB
}

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	// Several orcai processes may touch the catalog at once.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")

	if err := db.AutoMigrate(&entryModel{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate catalog schema: %w", err)
		}
	}
	return &Catalog{db: db}, nil
}

// Close releases the database.
func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record inserts or replaces the entry for e.ID.
func (c *Catalog) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("catalog entry needs an id")
	}
	m := entryToModel(e)
	return withRetry(func() error {
		return c.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&m).Error
	}, 3)
}

// Get returns the entry for id.
func (c *Catalog) Get(ctx context.Context, id string) (*Entry, error) {
	var m entryModel
	err := withRetry(func() error {
		return c.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	e := modelToEntry(m)
	return &e, nil
}

// List returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (c *Catalog) List(ctx context.Context, limit int) ([]Entry, error) {
	var models []entryModel
	err := withRetry(func() error {
		q := c.db.WithContext(ctx).Order("started_at DESC")
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q.Find(&models).Error
	}, 3)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	out := make([]Entry, 0, len(models))
	for _, m := range models {
		out = append(out, modelToEntry(m))
	}
	return out, nil
}

// withRetry retries operations on SQLITE_BUSY with linear backoff.
func withRetry(fn func() error, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}
		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}
