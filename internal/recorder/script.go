package recorder

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
)

// interpreters run the script named by their first non-flag argument.
var interpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "source": true, ".": true,
}

// scriptPath returns the shell script a command line executes, if any:
// "./deploy.sh", "bash deploy.sh", "sh -x deploy.sh", "source env.sh".
func scriptPath(line string) string {
	fields := strings.Fields(line)
	for len(fields) > 0 && (strings.Contains(fields[0], "=") || fields[0] == "sudo" || fields[0] == "env") {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return ""
	}
	if strings.HasSuffix(fields[0], ".sh") {
		return fields[0]
	}
	if !interpreters[filepath.Base(fields[0])] {
		return ""
	}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		if strings.HasSuffix(f, ".sh") {
			return f
		}
		return ""
	}
	return ""
}

// captureScript reads the script run by line, relative to cwd. Scripts over
// limit keep only their hash.
func captureScript(line, cwd string, limit int64) *event.ScriptCapture {
	p := scriptPath(line)
	if p == "" {
		return nil
	}
	p = strings.Trim(p, `'"`)
	if !filepath.IsAbs(p) {
		if cwd == "" {
			return nil
		}
		p = filepath.Join(cwd, p)
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	sc := &event.ScriptCapture{Path: filepath.Clean(p), Hash: diff.Hash(data)}
	if int64(len(data)) <= limit {
		sc.Content = string(data)
	}
	return sc
}
