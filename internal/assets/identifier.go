// Package assets resolves logical resource identifiers to byte streams from the
// local cache or the bridge's bundled files, and classifies them for response
// framing.
package assets

import (
	"net/url"
	"strings"
)

// Identifier is a hierarchical resource path such as
// "embedder/Xenova/nomic-embed-text-v1/config.json". It doubles as the cache
// key and, for bundled files, the asset path.
type Identifier string

// FromURL strips authority from u and returns the identifier it addresses.
// ok is false when u is not under authority. Query and fragment are ignored.
func FromURL(u *url.URL, authority *url.URL) (Identifier, bool) {
	if u == nil || authority == nil {
		return "", false
	}
	if u.Scheme != authority.Scheme || u.Host != authority.Host {
		return "", false
	}
	prefix := authority.Path
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasPrefix(u.Path, prefix) {
		return "", false
	}
	return Identifier(strings.TrimPrefix(u.Path, prefix)), true
}

// IsBundled reports whether id names one of the bridge's own packaged files.
func (id Identifier) IsBundled(prefix string) bool {
	return prefix != "" && strings.HasPrefix(string(id), prefix)
}

func (id Identifier) String() string { return string(id) }
