package actionlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
)

// FinalizeReport is the outcome of the integrity scan run by Finalize.
type FinalizeReport struct {
	SessionID    string                   `json:"session_id"`
	FinalizedAt  time.Time                `json:"finalized_at"`
	EventCount   int                      `json:"event_count"`
	LastSequence uint64                   `json:"last_sequence"`
	Unreadable   int                      `json:"unreadable,omitempty"`
	Failures     []*IntegrityCheckFailure `json:"failures,omitempty"`
}

// CorruptCount returns the number of records that failed verification.
func (r *FinalizeReport) CorruptCount() int {
	return len(r.Failures)
}

// content is what the scan knows about a path at a point in the log.
type content struct {
	known bool
	data  []byte
}

func (s *Store) verify() (*FinalizeReport, error) {
	s.mu.RLock()
	off := s.offset
	s.mu.RUnlock()

	report := &FinalizeReport{SessionID: s.sessionID}
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return report, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open action log: %w", err)
	}
	defer f.Close()

	lines, _, err := scanLines(io.NewSectionReader(f, 0, off))
	if err != nil {
		return nil, fmt.Errorf("read action log: %w", err)
	}
	verifyLines(s.sessionID, lines, report)
	return report, nil
}

// verifyLines checks sequence order, the hash chain and that every text diff
// reproduces its recorded new content. Failures are appended to report.
func verifyLines(sessionID string, lines []line, report *FinalizeReport) {
	prevHash := genesisHash(sessionID)
	var lastSeq uint64
	commands := make(map[uint64]bool)
	files := make(map[string]content)

	for i, l := range lines {
		lineNo := i + 1
		if l.rec == nil {
			report.Unreadable++
			report.Failures = append(report.Failures, &IntegrityCheckFailure{
				Line:   lineNo,
				Reason: fmt.Sprintf("unreadable record: %v", l.err),
			})
			continue
		}
		r := l.rec
		var reasons []string
		if r.PrevHash != prevHash {
			reasons = append(reasons, "hash chain broken")
		}
		if computeHash(*r) != r.Hash {
			reasons = append(reasons, "record hash mismatch")
		}
		prevHash = r.Hash

		switch r.Type {
		case TypeEvent:
			if r.Event == nil {
				reasons = append(reasons, "event record without event")
				break
			}
			report.EventCount++
			if r.Event.Sequence != r.Seq {
				reasons = append(reasons, fmt.Sprintf("event sequence %d does not match record %d", r.Event.Sequence, r.Seq))
			}
			if r.Seq <= lastSeq {
				reasons = append(reasons, fmt.Sprintf("sequence %d not above %d", r.Seq, lastSeq))
			} else {
				lastSeq = r.Seq
			}
			if err := r.Event.Validate(); err != nil {
				reasons = append(reasons, err.Error())
				break
			}
			if r.Event.Command != nil {
				commands[r.Seq] = true
			}
			if fc := r.Event.FileChange; fc != nil {
				if reason := replay(files, fc); reason != "" {
					reasons = append(reasons, reason)
				}
			}
		case TypeComplete:
			if !commands[r.Ref] {
				reasons = append(reasons, fmt.Sprintf("completion for unknown command %d", r.Ref))
			}
		default:
			reasons = append(reasons, fmt.Sprintf("unknown record type %q", r.Type))
		}

		if len(reasons) > 0 {
			report.Failures = append(report.Failures, &IntegrityCheckFailure{
				Sequence: r.Seq,
				Line:     lineNo,
				Reason:   strings.Join(reasons, "; "),
			})
		}
	}
	report.LastSequence = lastSeq
}

// replay advances the reconstructed content of fc.Path and returns a reason
// when the recorded diff does not reproduce the recorded hashes. Paths whose
// content is unknown (binary, dropped from the cache, or modified before any
// base was recorded) are not checked.
func replay(files map[string]content, fc *event.FileChangeEvent) string {
	prev, seen := files[fc.Path]
	switch fc.ChangeKind {
	case event.Deleted:
		if seen && prev.known && diff.Hash(prev.data) != fc.OldContentHash {
			delete(files, fc.Path)
			return "old hash does not match replayed content"
		}
		delete(files, fc.Path)
		return ""
	case event.Renamed:
		delete(files, fc.Path)
		switch {
		case seen:
			files[fc.RenameTarget] = prev
		case fc.Base != nil && diff.Hash([]byte(*fc.Base)) == fc.OldContentHash:
			files[fc.RenameTarget] = content{known: true, data: []byte(*fc.Base)}
		default:
			files[fc.RenameTarget] = content{}
		}
		return ""
	}

	var base []byte
	switch {
	case fc.ChangeKind == event.Created:
		base = []byte{}
	case fc.Base != nil:
		base = []byte(*fc.Base)
		if diff.Hash(base) != fc.OldContentHash {
			files[fc.Path] = content{}
			return "base content does not match old hash"
		}
	case seen && prev.known:
		base = prev.data
		if diff.Hash(base) != fc.OldContentHash {
			files[fc.Path] = content{}
			return "old hash does not match replayed content"
		}
	}
	if base == nil || fc.Binary || fc.ContentDropped {
		files[fc.Path] = content{}
		return ""
	}

	out, err := diff.Apply(base, fc.Diff)
	if err != nil {
		files[fc.Path] = content{}
		return fmt.Sprintf("diff does not apply: %v", err)
	}
	if diff.Hash(out) != fc.NewContentHash {
		files[fc.Path] = content{}
		return "replayed content does not match new hash"
	}
	files[fc.Path] = content{known: true, data: out}
	return ""
}
