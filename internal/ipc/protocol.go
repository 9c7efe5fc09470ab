// Package ipc defines the wire protocol between orcai commands and the
// capture daemon.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/recorder"
)

// Frame tags. Client-to-daemon tags are in 0x01-0x0F, daemon-to-client tags
// in 0x10-0x1F.
const (
	TagRequest  byte = 0x01 // C→S: JSON-encoded Request
	TagResponse byte = 0x10 // S→C: JSON-encoded Response
)

// MaxFrame bounds a single payload. Responses carry whole action logs.
const MaxFrame = 256 << 20

// Op names a daemon operation.
type Op string

const (
	OpPing    Op = "ping"
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpStatus  Op = "status"
	OpAbandon Op = "abandon"
	OpBegin   Op = "begin"
	OpEnd     Op = "end"
)

// Request is the single frame a client sends per connection.
type Request struct {
	Op      Op                   `json:"op"`
	Roots   []string             `json:"roots,omitempty"`
	Capture *config.Capture      `json:"capture,omitempty"`
	Stop    *capture.StopOptions `json:"stop,omitempty"`
	Begin   *recorder.Begin      `json:"begin,omitempty"`
	End     *recorder.End        `json:"end,omitempty"`
}

// Error codes let clients map failures back to sentinel errors.
const (
	CodeAlreadyActive = "already_active"
	CodeNotActive     = "not_active"
	CodeAborted       = "aborted"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// Response answers a Request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Seq    uint64          `json:"seq,omitempty"`
	PID    int             `json:"pid,omitempty"`
	Status *capture.Status `json:"status,omitempty"`
	Result *capture.Result `json:"result,omitempty"`
}

// ErrorResponse builds a failed response, classifying err.
func ErrorResponse(err error) *Response {
	return &Response{Error: err.Error(), Code: Code(err)}
}

// Code classifies err for the wire.
func Code(err error) string {
	switch {
	case errors.Is(err, capture.ErrAlreadyActive):
		return CodeAlreadyActive
	case errors.Is(err, capture.ErrNotActive):
		return CodeNotActive
	case errors.Is(err, capture.ErrAborted):
		return CodeAborted
	default:
		return CodeInternal
	}
}

// Err turns a failed response back into an error that matches the capture
// sentinels with errors.Is.
func (r *Response) Err() error {
	if r.OK {
		return nil
	}
	var sentinel error
	switch r.Code {
	case CodeAlreadyActive:
		sentinel = capture.ErrAlreadyActive
	case CodeNotActive:
		sentinel = capture.ErrNotActive
	case CodeAborted:
		sentinel = capture.ErrAborted
	default:
		return &RemoteError{Message: r.Error}
	}
	return &RemoteError{Message: r.Error, Err: sentinel}
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Message string
	Err     error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.Err }

// WriteFrame writes a tagged frame: [tag:1][len:4 big-endian][payload:len].
func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	var header [5]byte
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one tagged frame, returning the tag and payload.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	tag := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrame {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return tag, payload, nil
}

// WriteJSON writes a tagged frame with a JSON-encoded payload.
func WriteJSON(w io.Writer, tag byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(w, tag, data)
}

// ReadJSON reads one frame, checks its tag and decodes the payload into v.
func ReadJSON(r io.Reader, want byte, v any) error {
	tag, payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if tag != want {
		return fmt.Errorf("expected frame 0x%02x, got 0x%02x", want, tag)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal frame: %w", err)
	}
	return nil
}
