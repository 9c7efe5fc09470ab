package shell

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SpoolName is the file the shell plugins append command records to while a
// session is active. The plugins write nothing when it does not exist.
const SpoolName = "spool.tsv"

// Spool record kinds.
const (
	KindBegin = "B"
	KindEnd   = "E"
)

// ErrMalformed is returned by ParseSpoolLine for lines it cannot read.
var ErrMalformed = errors.New("malformed spool line")

// SpoolEntry is one line of the spool.
//
// Format per line, tab separated:
//
//	B <id> <epoch> <cwd> <command>
//	E <id> <epoch> <exit>
//
// Backslash, tab and newline inside fields are escaped as \\, \t and \n.
type SpoolEntry struct {
	Kind    string
	ID      string
	Time    time.Time
	Dir     string
	Command string
	Exit    int
}

// SpoolPath returns the spool location inside dataDir.
func SpoolPath(dataDir string) string {
	return filepath.Join(dataDir, SpoolName)
}

// CreateSpool creates an empty spool, enabling the plugins.
func CreateSpool(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(SpoolPath(dataDir), nil, 0o600)
}

// RemoveSpool deletes the spool, disabling the plugins.
func RemoveSpool(dataDir string) error {
	err := os.Remove(SpoolPath(dataDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ParseSpoolLine parses one line without its trailing newline.
func ParseSpoolLine(line string) (SpoolEntry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return SpoolEntry{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	ts, err := parseEpoch(fields[2])
	if err != nil {
		return SpoolEntry{}, fmt.Errorf("%w: bad time %q", ErrMalformed, fields[2])
	}
	e := SpoolEntry{Kind: fields[0], ID: unescape(fields[1]), Time: ts}
	switch e.Kind {
	case KindBegin:
		if len(fields) != 5 {
			return SpoolEntry{}, fmt.Errorf("%w: begin needs 5 fields, got %d", ErrMalformed, len(fields))
		}
		e.Dir = unescape(fields[3])
		e.Command = unescape(fields[4])
	case KindEnd:
		if len(fields) != 4 {
			return SpoolEntry{}, fmt.Errorf("%w: end needs 4 fields, got %d", ErrMalformed, len(fields))
		}
		if e.Exit, err = strconv.Atoi(fields[3]); err != nil {
			return SpoolEntry{}, fmt.Errorf("%w: bad exit status %q", ErrMalformed, fields[3])
		}
	default:
		return SpoolEntry{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	}
	return e, nil
}

// Format renders e as a spool line, including the trailing newline.
func (e SpoolEntry) Format() string {
	us := e.Time.UnixMicro()
	epoch := fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
	if e.Kind == KindEnd {
		return fmt.Sprintf("%s\t%s\t%s\t%d\n", KindEnd, escape(e.ID), epoch, e.Exit)
	}
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", KindBegin, escape(e.ID), epoch, escape(e.Dir), escape(e.Command))
}

// AppendSpool appends e to the spool in dataDir. Used by `orcai record` when
// no daemon is reachable.
func AppendSpool(dataDir string, e SpoolEntry) error {
	f, err := os.OpenFile(SpoolPath(dataDir), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(e.Format())
	return err
}

// parseEpoch accepts "1712345678", "1712345678.123456" and the comma
// decimal separator EPOCHREALTIME uses in some locales.
func parseEpoch(s string) (time.Time, error) {
	s = strings.Replace(s, ",", ".", 1)
	sec, frac, _ := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nanos int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nanos, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(secs, nanos), nil
}

var escaper = strings.NewReplacer(`\`, `\\`, "\t", `\t`, "\n", `\n`)

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 't':
			sb.WriteByte('\t')
		case 'n':
			sb.WriteByte('\n')
		default:
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
