package remote

import (
	"io"
	"path"
	"strings"
)

const (
	idName       = "id"
	filesDir     = "files"
	manifestsDir = "manifests"
)

// layout maps archive objects to slash separated paths (or keys) under root
type layout struct {
	root string
}

func (l layout) idPath() string               { return joinPath(l.root, idName) }
func (l layout) filesPath() string            { return joinPath(l.root, filesDir) }
func (l layout) manifestsPath() string        { return joinPath(l.root, manifestsDir) }
func (l layout) blobPath(hash string) string  { return joinPath(l.root, filesDir, hash) }
func (l layout) manifestPath(n string) string { return joinPath(l.root, manifestsDir, n) }

func joinPath(elem ...string) string {
	return path.Join(elem...)
}

func splitPath(p string) (string, string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func stringReader(s string) io.Reader {
	return strings.NewReader(s)
}
