// Package scan walks the source tree and yields the regular files that pass the rule set.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"
)

// SourceFile is a regular file found under the source root
type SourceFile struct {
	Path    string // absolute
	RelPath string // slash separated, relative to the source root
	ModTime time.Time
	Size    int64
}

type Scanner struct {
	root  string
	rules *RuleSet
}

func NewScanner(root string, rules *RuleSet) *Scanner {
	return &Scanner{root: root, rules: rules}
}

// Scan walks the tree in lexical order. Skipped directories are pruned, unreadable
// entries are logged and left out.
func (s *Scanner) Scan(ctx context.Context) ([]SourceFile, error) {
	var files []SourceFile
	var skipped int

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if walkErr != nil {
			if path == s.root {
				return fmt.Errorf("walk error: %w", walkErr)
			}
			slog.Warn("scan skipping unreadable entry", "path", path, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path == s.root {
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		relPath = filepath.ToSlash(relPath)

		if s.rules != nil && s.rules.Skip(relPath, d.IsDir()) {
			skipped++
			slog.Debug("scan skip", "path", relPath, "dir", d.IsDir())
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			slog.Warn("scan failed to get file info", "path", path, "error", err)
			return nil
		}

		files = append(files, SourceFile{
			Path:    path,
			RelPath: relPath,
			ModTime: info.ModTime(),
			Size:    info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.root, err)
	}

	slog.Info("scan complete", "root", s.root, "files", len(files), "skipped", skipped)
	return files, nil
}
