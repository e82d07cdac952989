package scan

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/syftbackup/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// RuleSet decides which source paths are skipped.
//
// A path is skipped when it matches at least one exclude rule and no include rule.
// Include rules only rescue paths that an exclude matched; they never narrow the backup
// to themselves. Patterns that are not rooted (leading "/" or "**") match at any depth.
type RuleSet struct {
	excludes []string
	includes []string
	ignore   *gitignore.GitIgnore
}

// NewRuleSet compiles the exclude and include globs. Patterns are validated up front so a
// typo fails the run instead of silently matching nothing.
func NewRuleSet(excludes, includes []string) (*RuleSet, error) {
	rs := &RuleSet{}
	var err error
	if rs.excludes, err = normalizeRules(excludes); err != nil {
		return nil, err
	}
	if rs.includes, err = normalizeRules(includes); err != nil {
		return nil, err
	}
	return rs, nil
}

// LoadIgnoreFile adds the gitignore-style rules found in path, if the file exists.
func (rs *RuleSet) LoadIgnoreFile(path string) error {
	if !utils.FileExists(path) {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open ignore file %s: %w", path, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ignore file %s: %w", path, err)
	}

	rs.ignore = gitignore.CompileIgnoreLines(lines...)
	slog.Info("loaded ignore file", "path", path, "rules", len(lines))
	return nil
}

// Skip reports whether relPath (slash separated, relative to the source root) is skipped.
func (rs *RuleSet) Skip(relPath string, isDir bool) bool {
	excluded := matchAny(rs.excludes, relPath)
	if !excluded && rs.ignore != nil {
		p := relPath
		if isDir {
			p += "/"
		}
		excluded = rs.ignore.MatchesPath(p)
	}
	if !excluded {
		return false
	}
	return !matchAny(rs.includes, relPath)
}

func matchAny(patterns []string, relPath string) bool {
	for _, p := range patterns {
		if doublestar.MatchUnvalidated(p, relPath) {
			return true
		}
	}
	return false
}

// normalizeRules roots every pattern at the source root:
//
//	"/build"  -> "build"        (only at the top level)
//	"**/x"    -> "**/x"         (already any depth)
//	"*.tmp"   -> "**/*.tmp"     (any depth)
//	"cache/"  -> "**/cache"     (trailing slash dropped)
func normalizeRules(rules []string) ([]string, error) {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		r = filepath.ToSlash(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		r = strings.TrimRight(r, "/")
		switch {
		case r == "":
			continue
		case strings.HasPrefix(r, "/"):
			r = strings.TrimLeft(r, "/")
		case strings.HasPrefix(r, "**"):
		default:
			r = "**/" + r
		}
		if !doublestar.ValidatePattern(r) {
			return nil, fmt.Errorf("invalid glob rule %q", r)
		}
		out = append(out, r)
	}
	return out, nil
}
