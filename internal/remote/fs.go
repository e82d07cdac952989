package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/syftbackup/internal/utils"
)

// FSStore keeps the archive on a locally mounted filesystem
type FSStore struct {
	layout layout

	// beforeRename runs between the temporary write and the rename; tests use it to
	// simulate a crash at that point
	beforeRename func(tmp, final string) error
}

func NewFSStore(root string) (*FSStore, error) {
	root, err := utils.ResolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("archive root: %w", err)
	}
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("archive root %s: %w", root, err)
	}
	return &FSStore{layout: layout{root: filepath.ToSlash(root)}}, nil
}

func (s *FSStore) Describe() string {
	return s.layout.root
}

func (s *FSStore) Bootstrap(ctx context.Context) (string, error) {
	idPath := filepath.FromSlash(s.layout.idPath())

	data, err := os.ReadFile(idPath)
	if err == nil {
		return parseID(data)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read archive id: %w", err)
	}

	for _, dir := range []string{s.layout.filesPath(), s.layout.manifestsPath()} {
		if err := os.MkdirAll(filepath.FromSlash(dir), 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}

	id := newArchiveID()
	err = s.publish(idPath, func(w io.Writer) error {
		_, err := io.WriteString(w, id+"\n")
		return err
	}, false)
	if errors.Is(err, os.ErrExist) {
		// lost a race with another bootstrap, use theirs
		data, err := os.ReadFile(idPath)
		if err != nil {
			return "", fmt.Errorf("read archive id: %w", err)
		}
		return parseID(data)
	}
	if err != nil {
		return "", fmt.Errorf("publish archive id: %w", err)
	}

	slog.Info("archive created", "root", s.layout.root, "id", id)
	return id, nil
}

func (s *FSStore) Exists(ctx context.Context, hash string) (Presence, error) {
	info, err := os.Stat(filepath.FromSlash(s.layout.blobPath(hash)))
	switch {
	case err == nil && info.Mode().IsRegular():
		return Present, nil
	case err == nil:
		return Unknown, fmt.Errorf("%s is not a regular file", hash)
	case errors.Is(err, os.ErrNotExist):
		return Absent, nil
	default:
		return Unknown, err
	}
}

func (s *FSStore) PublishBlob(ctx context.Context, hash string, content io.Reader, size int64) error {
	final := filepath.FromSlash(s.layout.blobPath(hash))
	err := s.publish(final, func(w io.Writer) error {
		hr := utils.NewHashReader(content)
		if _, err := io.Copy(w, hr); err != nil {
			return err
		}
		return hr.Verify(hash, size)
	}, true)
	if err != nil {
		return fmt.Errorf("publish blob %s: %w", hash, err)
	}
	return nil
}

func (s *FSStore) PublishManifest(ctx context.Context, name string, data []byte) error {
	final := filepath.FromSlash(s.layout.manifestPath(name))
	err := s.publish(final, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	}, false)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", name, ErrManifestExists)
	}
	if err != nil {
		return fmt.Errorf("publish manifest %s: %w", name, err)
	}
	return nil
}

func (s *FSStore) Close() error {
	return nil
}

// publish writes through a temporary sibling, then moves it to final and makes it read-only.
// Without overwrite the move is a hard link, which fails with os.ErrExist if final exists.
func (s *FSStore) publish(final string, write func(io.Writer) error, overwrite bool) error {
	tmp := filepath.FromSlash(tempName(filepath.ToSlash(final)))

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(tmp, final); err != nil {
			return err
		}
	}

	if overwrite {
		if err := os.Rename(tmp, final); err != nil {
			return err
		}
	} else {
		if err := os.Link(tmp, final); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Remove(tmp); err != nil {
			slog.Warn("failed to remove temporary object", "path", tmp, "error", err)
		}
	}

	return os.Chmod(final, 0o444)
}

var _ Store = (*FSStore)(nil)
