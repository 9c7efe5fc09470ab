package catalog

import (
	"encoding/json"
	"time"
)

// entryModel is the GORM model for the sessions table.
type entryModel struct {
	Aborted      bool   `gorm:"not null;default:false"`
	Abandoned    bool   `gorm:"not null;default:false"`
	CorruptCount int    `gorm:"not null;default:0"`
	CreatedAt    time.Time
	EventCount   int        `gorm:"not null;default:0"`
	ExportPath   string     `gorm:"default:''"`
	ID           string     `gorm:"primaryKey"`
	LogDir       string     `gorm:"not null;default:''"`
	Roots        string     `gorm:"not null;default:'[]'"`
	StartedAt    time.Time  `gorm:"not null;index:idx_started_at"`
	StoppedAt    *time.Time `gorm:"default:null"`
	UpdatedAt    time.Time
}

// TableName specifies the table name for GORM
func (entryModel) TableName() string { return "sessions" }

func entryToModel(e Entry) entryModel {
	roots, _ := json.Marshal(e.Roots)
	if e.Roots == nil {
		roots = []byte("[]")
	}
	var stopped *time.Time
	if !e.StoppedAt.IsZero() {
		t := e.StoppedAt.UTC()
		stopped = &t
	}
	return entryModel{
		Aborted:      e.Aborted,
		Abandoned:    e.Abandoned,
		CorruptCount: e.CorruptCount,
		EventCount:   e.EventCount,
		ExportPath:   e.ExportPath,
		ID:           e.ID,
		LogDir:       e.LogDir,
		Roots:        string(roots),
		StartedAt:    e.StartedAt.UTC(),
		StoppedAt:    stopped,
	}
}

func modelToEntry(m entryModel) Entry {
	e := Entry{
		ID:           m.ID,
		StartedAt:    m.StartedAt,
		LogDir:       m.LogDir,
		EventCount:   m.EventCount,
		CorruptCount: m.CorruptCount,
		ExportPath:   m.ExportPath,
		Aborted:      m.Aborted,
		Abandoned:    m.Abandoned,
	}
	if m.StoppedAt != nil {
		e.StoppedAt = *m.StoppedAt
	}
	_ = json.Unmarshal([]byte(m.Roots), &e.Roots)
	return e
}
