// Package diff computes line-level edit scripts between two versions of a
// file and applies them back. Scripts are context-free: every operation
// carries the exact old and new lines it touches, so a script can be replayed
// forwards or inverted without the surrounding file.
package diff

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"
)

// DefaultMaxTextBytes is the largest file the engine will diff line by line.
const DefaultMaxTextBytes = 4 << 20

// ErrPatchMismatch is returned by Apply when the script does not describe the
// content it is applied to.
var ErrPatchMismatch = errors.New("patch does not match content")

// OpKind identifies a single edit operation.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Op is one edit. Line numbers are 1-based. For an insert, OldLine is the
// old line the new lines are inserted before.
type Op struct {
	Kind     OpKind   `json:"kind"`
	OldLine  int      `json:"old_line"`
	OldCount int      `json:"old_count"`
	NewLine  int      `json:"new_line"`
	NewCount int      `json:"new_count"`
	OldLines []string `json:"old_lines,omitempty"`
	NewLines []string `json:"new_lines,omitempty"`
}

// Script is an ordered edit script transforming old content into new content.
type Script struct {
	Ops             []Op `json:"ops,omitempty"`
	OldNewlineAtEOF bool `json:"old_eol,omitempty"`
	NewlineAtEOF    bool `json:"new_eol,omitempty"`
}

// Empty reports whether the script changes nothing.
func (s Script) Empty() bool {
	return len(s.Ops) == 0 && s.OldNewlineAtEOF == s.NewlineAtEOF
}

// Result is the output of Compute.
type Result struct {
	Script  Script
	OldHash string
	NewHash string
	// Binary is set when either side is not text; Script is then empty.
	Binary bool
	// Fallback records why a text diff was downgraded to binary, if it was.
	Fallback error
}

// ComputationError reports a failure inside the matcher. It never escapes
// Compute; the result falls back to a binary record instead.
type ComputationError struct {
	Reason string
}

func (e *ComputationError) Error() string {
	return "diff computation failed: " + e.Reason
}

// Engine computes scripts. The zero value uses DefaultMaxTextBytes.
type Engine struct {
	MaxTextBytes int64
}

func (e Engine) limit() int64 {
	if e.MaxTextBytes <= 0 {
		return DefaultMaxTextBytes
	}
	return e.MaxTextBytes
}

// IsText reports whether b can be diffed line by line.
func (e Engine) IsText(b []byte) bool {
	if int64(len(b)) > e.limit() {
		return false
	}
	if bytes.IndexByte(b, 0) >= 0 {
		return false
	}
	return utf8.Valid(b)
}

// Compute diffs old against new. Identical inputs always produce identical
// scripts.
func (e Engine) Compute(old, new []byte) (res Result) {
	res.OldHash = Hash(old)
	res.NewHash = Hash(new)

	if !e.IsText(old) || !e.IsText(new) {
		res.Binary = true
		return res
	}

	defer func() {
		if r := recover(); r != nil {
			res.Script = Script{}
			res.Binary = true
			res.Fallback = &ComputationError{Reason: fmt.Sprint(r)}
		}
	}()

	script := compute(old, new)

	// A script that does not reproduce new is worse than none.
	got, err := Apply(old, script)
	if err != nil || !bytes.Equal(got, new) {
		res.Binary = true
		res.Fallback = &ComputationError{Reason: "script does not reproduce new content"}
		return res
	}
	res.Script = script
	return res
}

// Compute diffs old against new with the default engine.
func Compute(old, new []byte) Result {
	return Engine{}.Compute(old, new)
}

func compute(old, new []byte) Script {
	a, aEOL := SplitLines(old)
	b, bEOL := SplitLines(new)

	s := Script{OldNewlineAtEOF: aEOL, NewlineAtEOF: bEOL}

	// Autojunk off: popular lines must still match, and the result must not
	// depend on file length heuristics.
	m := difflib.NewMatcherWithJunk(a, b, false, nil)
	for _, oc := range m.GetOpCodes() {
		op := Op{
			OldLine:  oc.I1 + 1,
			OldCount: oc.I2 - oc.I1,
			NewLine:  oc.J1 + 1,
			NewCount: oc.J2 - oc.J1,
		}
		switch oc.Tag {
		case 'e':
			continue
		case 'i':
			op.Kind = OpInsert
		case 'd':
			op.Kind = OpDelete
		case 'r':
			op.Kind = OpReplace
		default:
			panic(fmt.Sprintf("unknown opcode %q", oc.Tag))
		}
		if op.OldCount > 0 {
			op.OldLines = append([]string(nil), a[oc.I1:oc.I2]...)
		}
		if op.NewCount > 0 {
			op.NewLines = append([]string(nil), b[oc.J1:oc.J2]...)
		}
		s.Ops = append(s.Ops, op)
	}
	return s
}

// Apply transforms old into new using s. Every line the script deletes or
// replaces must match old exactly.
func Apply(old []byte, s Script) ([]byte, error) {
	lines, eol := SplitLines(old)
	if len(lines) > 0 && eol != s.OldNewlineAtEOF {
		return nil, fmt.Errorf("%w: trailing newline differs", ErrPatchMismatch)
	}

	out := make([]string, 0, len(lines))
	cursor := 0
	for i, op := range s.Ops {
		start := op.OldLine - 1
		end := start + op.OldCount
		if start < cursor || end > len(lines) {
			return nil, fmt.Errorf("%w: op %d touches lines %d-%d of %d", ErrPatchMismatch, i, op.OldLine, end, len(lines))
		}
		out = append(out, lines[cursor:start]...)
		if len(out) != op.NewLine-1 {
			return nil, fmt.Errorf("%w: op %d expected at new line %d, got %d", ErrPatchMismatch, i, op.NewLine, len(out)+1)
		}
		if op.OldCount != len(op.OldLines) || op.NewCount != len(op.NewLines) {
			return nil, fmt.Errorf("%w: op %d line counts inconsistent", ErrPatchMismatch, i)
		}
		for j, want := range op.OldLines {
			if lines[start+j] != want {
				return nil, fmt.Errorf("%w: op %d old line %d differs", ErrPatchMismatch, i, op.OldLine+j)
			}
		}
		out = append(out, op.NewLines...)
		cursor = end
	}
	out = append(out, lines[cursor:]...)

	return JoinLines(out, s.NewlineAtEOF), nil
}

// Invert returns the script that transforms new back into old.
func Invert(s Script) Script {
	inv := Script{
		OldNewlineAtEOF: s.NewlineAtEOF,
		NewlineAtEOF:    s.OldNewlineAtEOF,
		Ops:             make([]Op, 0, len(s.Ops)),
	}
	for _, op := range s.Ops {
		kind := op.Kind
		switch kind {
		case OpInsert:
			kind = OpDelete
		case OpDelete:
			kind = OpInsert
		}
		inv.Ops = append(inv.Ops, Op{
			Kind:     kind,
			OldLine:  op.NewLine,
			OldCount: op.NewCount,
			NewLine:  op.OldLine,
			NewCount: op.OldCount,
			OldLines: op.NewLines,
			NewLines: op.OldLines,
		})
	}
	return inv
}

// SplitLines splits content on "\n". The terminator is not part of the lines;
// eol reports whether the content ended with one.
func SplitLines(b []byte) (lines []string, eol bool) {
	if len(b) == 0 {
		return nil, false
	}
	s := string(b)
	if strings.HasSuffix(s, "\n") {
		eol = true
		s = s[:len(s)-1]
	}
	return strings.Split(s, "\n"), eol
}

// JoinLines is the inverse of SplitLines.
func JoinLines(lines []string, eol bool) []byte {
	if len(lines) == 0 {
		return []byte{}
	}
	s := strings.Join(lines, "\n")
	if eol {
		s += "\n"
	}
	return []byte(s)
}

// Hash returns the hex-encoded SHA-256 of b.
func Hash(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// HashEmpty is the hash of empty content.
var HashEmpty = Hash(nil)

// Unified renders a unified diff between old and new for human readers.
func Unified(path string, old, new []byte) string {
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(old)),
		B:        difflib.SplitLines(string(new)),
		FromFile: "a/" + strings.TrimPrefix(path, "/"),
		ToFile:   "b/" + strings.TrimPrefix(path, "/"),
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return out
}

// Render writes s as unified-style hunks without surrounding context.
func Render(path string, s Script) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n+++ b/%s\n", strings.TrimPrefix(path, "/"), strings.TrimPrefix(path, "/"))
	for _, op := range s.Ops {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", op.OldLine, op.OldCount, op.NewLine, op.NewCount)
		for _, l := range op.OldLines {
			sb.WriteString("-" + l + "\n")
		}
		for _, l := range op.NewLines {
			sb.WriteString("+" + l + "\n")
		}
	}
	return sb.String()
}
