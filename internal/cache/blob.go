package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const digestPrefix = "sha256:"

// Put stores the content of r under key, registering key with an empty origin
// when it is unknown. Identical content is stored once.
func (s *Store) Put(key string, r io.Reader) (Source, error) {
	digest, size, err := s.writeBlob(r)
	if err != nil {
		return Source{}, fmt.Errorf("put %q: %w", key, err)
	}
	if err := s.record(key, digest, size, ""); err != nil {
		return Source{}, err
	}
	return s.Lookup(key)
}

// writeBlob streams r into a temp file while hashing it, then moves the file
// to its content address.
func (s *Store) writeBlob(r io.Reader) (digest string, size int64, err error) {
	tmpDir := filepath.Join(s.dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return "", 0, fmt.Errorf("create tmp dir: %w", err)
	}
	tmp, err := os.CreateTemp(tmpDir, "blob-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp blob: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	h := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, h), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write blob: %w", err)
	}

	digest = digestPrefix + hex.EncodeToString(h.Sum(nil))
	dst := s.objectPath(digest)
	if err = os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", 0, fmt.Errorf("create object dir: %w", err)
	}
	if _, statErr := os.Stat(dst); statErr == nil {
		_ = os.Remove(tmp.Name())
		return digest, size, nil
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("move blob into place: %w", err)
	}
	return digest, size, nil
}

// DigestFile returns the sha256 digest and size of the file at path.
func DigestFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file %s: %w", path, err)
	}
	return digestPrefix + hex.EncodeToString(h.Sum(nil)), n, nil
}

// Verify re-hashes key's blob and reports whether it still matches the digest
// recorded at provisioning time.
func (s *Store) Verify(key string) (bool, error) {
	src, err := s.Lookup(key)
	if err != nil {
		return false, err
	}
	if !src.Materialized() {
		return false, fmt.Errorf("%s: %w", key, ErrNotMaterialized)
	}
	digest, _, err := DigestFile(s.objectPath(src.Digest))
	if err != nil {
		return false, err
	}
	return digest == src.Digest, nil
}
