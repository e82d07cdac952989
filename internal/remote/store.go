// Package remote implements the archive protocol against a remote store.
//
// Archive layout, identical for every backend:
//
//	<root>/id                 newline terminated archive identifier, written once
//	<root>/files/<hash>       content addressed blob, only visible after an atomic publish
//	<root>/manifests/<name>   one snapshot per run, never overwritten
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/openmined/syftbackup/internal/config"
)

var (
	ErrManifestExists = errors.New("manifest already exists")
	ErrInvalidID      = errors.New("invalid archive id")
)

// Presence is the outcome of an existence check.
type Presence int

const (
	Absent Presence = iota
	Present
	// Unknown means the check itself failed (network, permission, ...)
	Unknown
)

func (p Presence) String() string {
	switch p {
	case Present:
		return "present"
	case Absent:
		return "absent"
	default:
		return "unknown"
	}
}

// Confirmed is the single rule for reading an existence check: only Present counts.
// Unknown is handled exactly like Absent, so a failed check costs at most a redundant
// upload and never skips one.
func (p Presence) Confirmed() bool {
	return p == Present
}

// Store is the remote side of a run. The connection is established when the store is
// opened and reused for every call; there is no reconnect.
type Store interface {
	// Bootstrap returns the archive id, creating the archive layout on first contact.
	Bootstrap(ctx context.Context) (string, error)
	// Exists checks for files/<hash>. A non-nil error always comes with Unknown.
	Exists(ctx context.Context, hash string) (Presence, error)
	// PublishBlob writes files/<hash> through a temporary sibling and an atomic rename.
	PublishBlob(ctx context.Context, hash string, content io.Reader, size int64) error
	// PublishManifest writes manifests/<name>. It fails with ErrManifestExists rather than overwrite.
	PublishManifest(ctx context.Context, name string, data []byte) error
	// Describe names the destination for logs
	Describe() string
	Close() error
}

// Open connects to the destination described by opts
func Open(ctx context.Context, opts config.Options) (Store, error) {
	switch opts.Dest.Kind {
	case config.DestSFTP:
		return DialSFTP(ctx, opts.Dest, SFTPOptions{
			Port:           opts.SSHPort,
			KeyFiles:       opts.SSHKeyFiles,
			KnownHostsFile: opts.KnownHostsFile,
		})
	case config.DestS3:
		return NewS3Store(ctx, opts.Dest, S3Options{
			Endpoint: opts.S3Endpoint,
			Region:   opts.S3Region,
		})
	case config.DestLocal:
		return NewFSStore(opts.Dest.Path)
	default:
		return nil, fmt.Errorf("unsupported destination kind %s", opts.Dest.Kind)
	}
}

func newArchiveID() string {
	return uuid.NewString()
}

// parseID validates the content of the id object
func parseID(data []byte) (string, error) {
	id := strings.TrimSpace(string(data))
	if id == "" || strings.ContainsAny(id, "/\\ \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return id, nil
}

// tempName is the temporary sibling used while an object is being written
func tempName(final string) string {
	dir, base := splitPath(final)
	return joinPath(dir, ".tmp-"+base+"-"+uuid.NewString())
}
