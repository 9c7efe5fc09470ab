package session

import "time"

// State is the lifecycle position of a capture session.
type State string

const (
	StateIdle       State = "idle"
	StateActive     State = "active"
	StateFinalizing State = "finalizing"
	StateClosed     State = "closed"
)

// Session is the small record that lets separate orcai invocations find the
// capture in progress. The events themselves live in the action log under
// LogDir.
type Session struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	StartTime    time.Time  `json:"start_time"`
	StopTime     *time.Time `json:"stop_time,omitempty"`
	WatchedRoots []string   `json:"watched_roots"`
	LogDir       string     `json:"log_dir"`
	// PID is the process that owns the capture. A session whose PID is gone
	// while State is active was interrupted and can be resumed.
	PID      int           `json:"pid"`
	Debounce time.Duration `json:"debounce,omitempty"`
	// HistoryBaselineCount is the number of entries in shell history at
	// session start when commands are imported from history instead of the
	// shell plugin.
	HistoryBaselineCount int      `json:"history_baseline_count,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
	Abandoned            bool     `json:"abandoned,omitempty"`
	Aborted              bool     `json:"aborted,omitempty"`
	ExportPath           string   `json:"export_path,omitempty"`
}

// Active reports whether the session is still capturing.
func (s *Session) Active() bool {
	return s.State == StateActive || s.State == StateFinalizing
}
