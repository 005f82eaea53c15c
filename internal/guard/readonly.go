package guard

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/mlbench/internal/action"
)

// ReadOnlySet is the immutable set of protected paths for a run: the files
// of the initial listing that matched a pattern, plus the patterns
// themselves so files created later under a protected pattern stay protected.
type ReadOnlySet struct {
	files    map[string]struct{}
	patterns []string
	compiled []*regexp.Regexp
}

// NewReadOnlySet matches every listed file against the glob patterns.
// Patterns use shell-glob semantics where "*" also crosses "/".
func NewReadOnlySet(patterns, files []string) (*ReadOnlySet, error) {
	s := &ReadOnlySet{files: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(globToRegex(normalize(p)))
		if err != nil {
			return nil, fmt.Errorf("compiling read-only pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.compiled = append(s.compiled, re)
	}
	for _, f := range files {
		if n := normalize(f); s.matches(n) {
			s.files[n] = struct{}{}
		}
	}
	return s, nil
}

// IsReadOnly reports whether a work-root relative path is protected.
func (s *ReadOnlySet) IsReadOnly(rel string) bool {
	if s == nil {
		return false
	}
	n := normalize(rel)
	if _, ok := s.files[n]; ok {
		return true
	}
	return s.matches(n)
}

// Files returns the protected files found in the initial listing, sorted.
func (s *ReadOnlySet) Files() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.files))
	for f := range s.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Patterns returns the configured glob patterns.
func (s *ReadOnlySet) Patterns() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.patterns...)
}

func (s *ReadOnlySet) matches(n string) bool {
	for _, re := range s.compiled {
		if re.MatchString(n) {
			return true
		}
	}
	return false
}

// LoadPatterns reads one glob per line. Blank lines and "#" comments are skipped.
func LoadPatterns(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("opening read-only patterns %s: %w", file, err)
	}
	defer f.Close()

	var patterns []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading read-only patterns %s: %w", file, err)
	}
	return patterns, nil
}

// EnsureWritable fails when rel, or the file it resolves to through a
// symlink, is protected.
func EnsureWritable(root, rel string, set action.ReadOnlyChecker) error {
	if set == nil {
		return nil
	}
	if set.IsReadOnly(rel) {
		return readOnly(rel)
	}
	if resolved, err := Rel(root, rel); err == nil && set.IsReadOnly(resolved) {
		return readOnly(rel)
	}
	return nil
}

// Writable rejects the call when any named argument targets a protected file.
func Writable(argNames ...string) action.Middleware {
	return func(next action.Handler) action.Handler {
		return func(ctx context.Context, call *action.Call) (string, error) {
			for _, name := range argNames {
				p, err := call.String(name)
				if err != nil {
					return "", err
				}
				if err := EnsureWritable(call.WorkDir, p, call.ReadOnly); err != nil {
					return "", err
				}
			}
			return next(ctx, call)
		}
	}
}

func readOnly(rel string) error {
	return action.NewEnvError(
		fmt.Sprintf("cannot write file %s because it is a read-only file.", rel),
		ErrReadOnly,
	)
}

func normalize(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "./")
}

// globToRegex translates an fnmatch-style pattern. Unlike path.Match, "*"
// and "?" also match "/".
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return b.String()
}
