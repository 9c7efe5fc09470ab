package watch

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFiles are read from each watched root and merged with the configured
// patterns.
var IgnoreFiles = []string{".gitignore", ".orcaiignore"}

// Matcher decides whether a path under one of the roots is ignored.
type Matcher struct {
	roots    []string
	patterns []string
	prefixes []string // absolute directories that are always ignored
}

// NewMatcher builds a matcher from the configured patterns plus the ignore
// files found in each root. Unreadable ignore files are returned as errors
// alongside a matcher that still honors everything else.
func NewMatcher(roots, patterns, alwaysIgnore []string) (*Matcher, []error) {
	m := &Matcher{roots: roots}
	for _, p := range patterns {
		m.add(p)
	}
	var errs []error
	for _, root := range roots {
		for _, name := range IgnoreFiles {
			extra, err := readPatternFile(filepath.Join(root, name))
			if err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, err)
				}
				continue
			}
			for _, p := range extra {
				m.add(p)
			}
		}
	}
	for _, dir := range alwaysIgnore {
		if dir != "" {
			m.prefixes = append(m.prefixes, filepath.Clean(dir))
		}
	}
	return m, errs
}

// add normalizes a gitignore-style line. Leading and trailing slashes only
// anchor or restrict the pattern in gitignore; here they are dropped.
func (m *Matcher) add(p string) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" || strings.HasPrefix(p, "!") {
		return
	}
	m.patterns = append(m.patterns, p)
}

// Match reports whether path, or any directory containing it below a root,
// matches an ignore pattern.
func (m *Matcher) Match(path string) bool {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	if len(m.patterns) == 0 {
		return false
	}

	rel := path
	for _, root := range m.roots {
		if r, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
			break
		}
	}
	if rel == "." {
		return false
	}

	// Every component and every leading sub-path is a candidate.
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		sub := filepath.Join(parts[:i+1]...)
		for _, pattern := range m.patterns {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
			if matched, _ := filepath.Match(pattern, sub); matched {
				return true
			}
		}
	}
	for _, pattern := range m.patterns {
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}
	}
	return false
}

// readPatternFile reads a gitignore-style file and returns non-empty, non-comment lines.
func readPatternFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}
