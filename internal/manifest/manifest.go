// Package manifest records the full path -> hash snapshot of a run and publishes it to
// the archive under a name derived from the run's start time.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syftbackup/internal/cache"
	"github.com/openmined/syftbackup/internal/remote"
)

const (
	FormatVersion = 1
	NameLayout    = "20060102T150405.000000000Z"
	appID         = "syftbackup"
)

var ErrUnsupportedVersion = errors.New("unsupported manifest version")

type Entry struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

type Manifest struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"source"`
	Machine   string    `json:"machine,omitempty"`
	Count     int       `json:"count"`
	Entries   []Entry   `json:"entries"`
}

// Name is the manifest's object name in the archive
func Name(start time.Time) string {
	return start.UTC().Format(NameLayout)
}

// New builds the snapshot of every fingerprinted file of the run, in scan order.
// Paths are relative to source and slash separated.
func New(start time.Time, source string, files []cache.Fingerprinted) *Manifest {
	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, Entry{Path: f.RelPath, Hash: f.Hash})
	}
	return &Manifest{
		Version:   FormatVersion,
		CreatedAt: start.UTC(),
		Source:    source,
		Machine:   machine(),
		Count:     len(entries),
		Entries:   entries,
	}
}

// machine identifies the source host without leaking the raw machine id
func machine() string {
	if id, err := machineid.ProtectedID(appID); err == nil {
		return id
	}
	host, _ := os.Hostname()
	return host
}

// Map returns the path -> hash view of the entries
func (m *Manifest) Map() map[string]string {
	out := make(map[string]string, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Path] = e.Hash
	}
	return out
}

func (m *Manifest) Encode() ([]byte, error) {
	data, err := jsonMarshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return append(data, '\n'), nil
}

func Decode(data []byte) (*Manifest, error) {
	var m Manifest
	if err := jsonUnmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, m.Version)
	}
	return &m, nil
}

// Writer publishes manifests through the remote store
type Writer struct {
	store remote.Store
}

func NewWriter(store remote.Store) *Writer {
	return &Writer{store: store}
}

// Publish encodes m and stores it as manifests/<Name(m.CreatedAt)>. It returns the name.
func (w *Writer) Publish(ctx context.Context, m *Manifest) (string, error) {
	data, err := m.Encode()
	if err != nil {
		return "", err
	}

	name := Name(m.CreatedAt)
	if err := w.store.PublishManifest(ctx, name, data); err != nil {
		return "", err
	}

	slog.Info("manifest published", "name", name, "entries", m.Count, "size", humanize.IBytes(uint64(len(data))))
	return name, nil
}
