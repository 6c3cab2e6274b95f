package assets

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound reports an identifier absent from both the cache and the bundle.
var ErrNotFound = errors.New("resource not found")

// Cache is the read side of the local cache collaborator.
type Cache interface {
	// GetFile returns the local path holding key, or false when absent.
	GetFile(key string) (string, bool)
}

// Source records where a resolved stream came from.
type Source string

const (
	SourceCache  Source = "cache"
	SourceBundle Source = "bundle"
)

// Resolver maps identifiers to byte streams. It never touches the network.
type Resolver struct {
	cache        Cache
	bundle       Bundle
	bundlePrefix string
}

// NewResolver creates a resolver. Identifiers starting with bundlePrefix are
// served from bundle, everything else from cache. Either collaborator may be nil.
func NewResolver(cache Cache, bundle Bundle, bundlePrefix string) *Resolver {
	return &Resolver{cache: cache, bundle: bundle, bundlePrefix: bundlePrefix}
}

// Resolve opens id. The caller owns the returned stream. A miss wraps
// ErrNotFound; any other error is a failure to open a resource that exists.
func (r *Resolver) Resolve(id Identifier) (io.ReadCloser, Source, error) {
	if id.IsBundled(r.bundlePrefix) {
		if r.bundle == nil {
			return nil, SourceBundle, fmt.Errorf("%s: no bundle: %w", id, ErrNotFound)
		}
		rc, err := r.bundle.OpenBundled(string(id))
		return rc, SourceBundle, err
	}

	if r.cache == nil {
		return nil, SourceCache, fmt.Errorf("%s: no cache: %w", id, ErrNotFound)
	}
	path, ok := r.cache.GetFile(string(id))
	if !ok {
		return nil, SourceCache, fmt.Errorf("%s: not cached: %w", id, ErrNotFound)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, SourceCache, fmt.Errorf("%s: cached file vanished: %w", id, ErrNotFound)
		}
		return nil, SourceCache, fmt.Errorf("open cached %s: %w", id, err)
	}
	return f, SourceCache, nil
}
