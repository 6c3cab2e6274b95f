// Package cache is the local cache collaborator: a registry of cache keys and
// their remote origins backed by SQLite, and a content-addressed blob store on
// disk. Downloads happen only during provisioning; lookups never touch the
// network.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotRegistered reports a key with no registered origin.
	ErrNotRegistered = errors.New("cache key not registered")
	// ErrNotMaterialized reports a registered key whose blob is not on disk yet.
	ErrNotMaterialized = errors.New("cache key not materialized")
)

// Source is one registry row.
type Source struct {
	Key       string    `json:"key"`
	Origin    string    `json:"origin"`
	Digest    string    `json:"digest,omitempty"`
	Size      int64     `json:"size,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
}

// Materialized reports whether the source has a stored blob.
func (s Source) Materialized() bool {
	return s.Digest != ""
}

// Store implements the local cache collaborator.
type Store struct {
	db      *sql.DB
	dir     string
	client  *http.Client
	logger  *zap.Logger
	timeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient sets the client used during provisioning.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.client = c }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithFetchTimeout bounds a single source download.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// Open opens (creating if needed) the blob store rooted at dir and the
// registry at indexPath.
func Open(dir, indexPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(indexPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", indexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// during parallel provisioning.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		dir:     dir,
		client:  http.DefaultClient,
		logger:  zap.NewNop(),
		timeout: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sources (
		key TEXT PRIMARY KEY,
		origin TEXT NOT NULL DEFAULT '',
		digest TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		media_type TEXT NOT NULL DEFAULT '',
		fetched_at DATETIME,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sources_digest ON sources(digest);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}
	return nil
}

// Close closes the registry.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// RegisterRemoteSource records origin as the download location for key.
// Re-registering with a different origin drops the stored digest so the next
// provisioning run fetches the new content. Blobs imported with Put keep their
// digest when an origin is first attached.
func (s *Store) RegisterRemoteSource(key, origin string) error {
	if key == "" {
		return fmt.Errorf("register source: empty key")
	}
	if origin == "" {
		return fmt.Errorf("register source %q: empty origin", key)
	}
	_, err := s.db.Exec(`
		INSERT INTO sources (key, origin) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET
			digest = CASE WHEN sources.origin IN (excluded.origin, '') THEN sources.digest ELSE '' END,
			size = CASE WHEN sources.origin IN (excluded.origin, '') THEN sources.size ELSE 0 END,
			fetched_at = CASE WHEN sources.origin IN (excluded.origin, '') THEN sources.fetched_at ELSE NULL END,
			origin = excluded.origin`,
		key, origin)
	if err != nil {
		return fmt.Errorf("register source %q: %w", key, err)
	}
	return nil
}

// RegisterAll registers every key -> origin pair in sources.
func (s *Store) RegisterAll(sources map[string]string) error {
	keys := make([]string, 0, len(sources))
	for k := range sources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.RegisterRemoteSource(k, sources[k]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the registry row for key.
func (s *Store) Lookup(key string) (Source, error) {
	row := s.db.QueryRow(`SELECT key, origin, digest, size, media_type, fetched_at FROM sources WHERE key = ?`, key)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, fmt.Errorf("%s: %w", key, ErrNotRegistered)
	}
	return src, err
}

// Sources lists every registry row ordered by key.
func (s *Store) Sources() ([]Source, error) {
	rows, err := s.db.Query(`SELECT key, origin, digest, size, media_type, fetched_at FROM sources ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSource(row scanner) (Source, error) {
	var src Source
	var fetched sql.NullTime
	if err := row.Scan(&src.Key, &src.Origin, &src.Digest, &src.Size, &src.MediaType, &fetched); err != nil {
		return Source{}, err
	}
	if fetched.Valid {
		src.FetchedAt = fetched.Time
	}
	return src, nil
}

// GetFile returns the on-disk path of key's blob. It is false when the key is
// unknown, not yet provisioned, or its blob is missing.
func (s *Store) GetFile(key string) (string, bool) {
	src, err := s.Lookup(key)
	if err != nil {
		if !errors.Is(err, ErrNotRegistered) {
			s.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		return "", false
	}
	if !src.Materialized() {
		return "", false
	}
	path := s.objectPath(src.Digest)
	if _, err := os.Stat(path); err != nil {
		s.logger.Warn("cached blob missing", zap.String("key", key), zap.String("digest", src.Digest), zap.Error(err))
		return "", false
	}
	return path, true
}

// objectPath maps "sha256:<hex>" to objects/<hex[:2]>/<hex[2:]>.
func (s *Store) objectPath(digest string) string {
	hex := strings.TrimPrefix(digest, digestPrefix)
	if len(hex) < 3 {
		return filepath.Join(s.dir, "objects", hex)
	}
	return filepath.Join(s.dir, "objects", hex[:2], hex[2:])
}

func (s *Store) record(key string, digest string, size int64, mediaType string) error {
	_, err := s.db.Exec(`
		INSERT INTO sources (key, digest, size, media_type, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			media_type = excluded.media_type,
			fetched_at = excluded.fetched_at`,
		key, digest, size, mediaType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record %q: %w", key, err)
	}
	return nil
}
