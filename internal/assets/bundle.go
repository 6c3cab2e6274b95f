package assets

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

//go:embed web
var webFS embed.FS

// Bundle opens the bridge's packaged files.
type Bundle interface {
	OpenBundled(path string) (io.ReadCloser, error)
}

// FSBundle serves bundled files from an fs.FS.
type FSBundle struct {
	fsys fs.FS
}

// NewFSBundle wraps fsys.
func NewFSBundle(fsys fs.FS) *FSBundle {
	return &FSBundle{fsys: fsys}
}

// NewEmbeddedBundle returns the entry page and script compiled into the binary.
func NewEmbeddedBundle() *FSBundle {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		// fs.Sub only fails on an invalid literal path.
		panic(err)
	}
	return NewFSBundle(sub)
}

// NewDirBundle serves bundled files from dir, used to test modified bundles
// without rebuilding.
func NewDirBundle(dir string) *FSBundle {
	return NewFSBundle(os.DirFS(dir))
}

// OpenBundled opens path. Missing or invalid paths yield ErrNotFound.
func (b *FSBundle) OpenBundled(path string) (io.ReadCloser, error) {
	if !fs.ValidPath(path) {
		return nil, fmt.Errorf("bundled %q: %w", path, ErrNotFound)
	}
	f, err := b.fsys.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("bundled %q: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("open bundled %q: %w", path, err)
	}
	info, err := f.Stat()
	if err == nil && info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("bundled %q is a directory: %w", path, ErrNotFound)
	}
	return f, nil
}
