package actionlog

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/orchestraitor/orcai/internal/event"
)

// RecordVersion is written into every record.
const RecordVersion = 1

// RecordType distinguishes the two kinds of line in events.jsonl.
type RecordType string

const (
	TypeEvent    RecordType = "event"
	TypeComplete RecordType = "complete"
)

// Record is one line of events.jsonl. Event records carry a sequence number;
// completion records point at the command event they finish through Ref.
type Record struct {
	V          int               `json:"v"`
	Type       RecordType        `json:"type"`
	Seq        uint64            `json:"seq,omitempty"`
	Ref        uint64            `json:"ref,omitempty"`
	Time       time.Time         `json:"ts"`
	Event      *event.Event      `json:"event,omitempty"`
	Completion *event.Completion `json:"completion,omitempty"`
	PrevHash   string            `json:"prev_hash"`
	Hash       string            `json:"hash"` // SHA-256 of this record with hash empty
}

func genesisHash(sessionID string) string {
	h := sha256.Sum256([]byte("orcai-genesis:" + sessionID))
	return fmt.Sprintf("%x", h)
}

func computeHash(r Record) string {
	r.Hash = ""
	data, _ := json.Marshal(r)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// seal fills in the chain fields and returns the encoded line.
func seal(r *Record, prevHash string) ([]byte, error) {
	r.V = RecordVersion
	r.PrevHash = prevHash
	r.Hash = computeHash(*r)
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(data, '\n'), nil
}

// line is a raw line of the log with its position.
type line struct {
	offset int64
	data   []byte // without the trailing newline
	rec    *Record
	err    error
}

// scanLines reads every newline-terminated line from r, parsing each one.
// The returned tail is the byte offset where complete lines end; anything
// after it is an unterminated fragment.
func scanLines(r io.Reader) (lines []line, tail int64, err error) {
	br := bufio.NewReader(r)
	var off int64
	for {
		data, rerr := br.ReadBytes('\n')
		if len(data) > 0 && data[len(data)-1] == '\n' {
			l := line{offset: off, data: bytes.TrimSuffix(data, []byte{'\n'})}
			var rec Record
			if perr := json.Unmarshal(l.data, &rec); perr != nil {
				l.err = perr
			} else {
				l.rec = &rec
			}
			lines = append(lines, l)
			off += int64(len(data))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return lines, off, nil
			}
			return lines, off, rerr
		}
	}
}
