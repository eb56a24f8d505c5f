// Package cachestore implements the content-addressed on-disk response
// cache described in spec.md §3/§4.5: a Store that reads and writes
// head+body artifact pairs keyed by (host, path[, md5(query)], method),
// and a Rule that wires the store into the rule-handler pipeline as the
// stateful "cache" built-in.
package cachestore

import (
	"crypto/md5" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Head is the JSON document stored alongside a cached body, per the
// on-disk layout in spec.md §6.
type Head struct {
	StatusCode    int         `json:"statusCode"`
	StatusMessage string      `json:"statusMessage,omitempty"`
	Headers       http2Header `json:"headers"`
	UpdateTime    int64       `json:"updateTime"`
	// CachedAt is a human-readable mirror of UpdateTime for operators
	// reading the file by hand; it plays no role in freshness (§FULL-B).
	CachedAt string `json:"cachedAt,omitempty"`
}

// http2Header avoids importing net/http just for the map type; it's the
// same shape as http.Header (case-sensitive keys as stored, case-
// insensitive lookup is the caller's job when reconstructing a response).
type http2Header map[string][]string

// Key identifies one cache entry on disk.
type Key struct {
	Dir      string // directory relative to the store root
	BaseName string // file basename, without .head/.body suffix
}

// Store is a content-addressed on-disk store of response head+body pairs.
// The constructor does not create Root itself; it is created lazily on the
// first write, per spec.md §4.5 (and fixing the source's `!fs.existsSync`
// bug: we check the absence of the directory, not of the check function).
type Store struct {
	Root string
}

// NewStore creates a Store rooted at root. If root is empty, it defaults to
// ".cache" next to the current working directory, matching the source's
// "adjacent to the binary" default.
func NewStore(root string) *Store {
	if root == "" {
		root = ".cache"
	}
	return &Store{Root: root}
}

// BuildKey computes the cache key for (host, path, method), hashing query
// into the basename only when cacheByQuery is true, per spec.md §4.5 and
// the invariant that cache keys never include the query string otherwise.
func BuildKey(host, path, query, method string, cacheByQuery bool) Key {
	dir := filepath.Join(sanitizeSegment(host), sanitizeSegment(path))

	base := method
	if cacheByQuery && query != "" {
		sum := md5.Sum([]byte(query)) //nolint:gosec
		base = method + "." + hex.EncodeToString(sum[:])
	}
	return Key{Dir: dir, BaseName: base}
}

// sanitizeSegment clamps a path-derived segment to something safe to join
// onto a filesystem root: Clean it and strip any leading ".." components a
// caller's path/host might otherwise use to escape Root.
func sanitizeSegment(s string) string {
	s = filepath.Clean("/" + s)
	s = strings.TrimPrefix(s, "/")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

func (s *Store) headPath(k Key) string { return filepath.Join(s.Root, k.Dir, k.BaseName+".head") }
func (s *Store) bodyPath(k Key) string { return filepath.Join(s.Root, k.Dir, k.BaseName+".body") }

// LoadHead reads the head file for k. It returns (nil, nil) if the entry
// does not exist — a cache miss is never an error, per spec.md §7.
func (s *Store) LoadHead(k Key) (*Head, error) {
	b, err := os.ReadFile(s.headPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cachestore: reading head: %w", err)
	}
	var h Head
	if err := json.Unmarshal(b, &h); err != nil {
		// A corrupt head is treated like a miss: the next write overwrites
		// it, per spec.md §4.5's "never prevents future reads" invariant.
		return nil, nil
	}
	return &h, nil
}

// OpenBody opens the body file for k for reading. It returns an empty
// reader (not an error) if the body file is absent, matching the head's
// miss semantics for a head that was written without a body yet.
func (s *Store) OpenBody(k Key) (io.ReadCloser, error) {
	f, err := os.Open(s.bodyPath(k))
	if err != nil {
		if os.IsNotExist(err) {
			return io.NopCloser(strings.NewReader("")), nil
		}
		return nil, fmt.Errorf("cachestore: opening body: %w", err)
	}
	return f, nil
}

// Fresh reports whether h satisfies updateTime + ttlSeconds*1000 >= now. A
// nil ttl never expires.
func Fresh(h *Head, ttlSeconds *int, now time.Time) bool {
	if ttlSeconds == nil {
		return true
	}
	deadline := h.UpdateTime + int64(*ttlSeconds)*1000
	return deadline >= now.UnixMilli()
}

// Write stores head and streams body into place for k, creating the
// entry's directory lazily if needed. The head file is written (not
// fsynced) before the body begins flowing, per spec.md §4.5's ordering
// requirement.
// Body is written to a staging file and renamed into place so a reader
// never observes a partially-written body under the final name (see
// SPEC_FULL.md §FULL-C; this does not provide cross-process locking).
func (s *Store) Write(k Key, head *Head, body io.Reader) error {
	dir := filepath.Join(s.Root, k.Dir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cachestore: creating entry dir: %w", err)
		}
	}

	headBytes, err := json.Marshal(head)
	if err != nil {
		return fmt.Errorf("cachestore: marshaling head: %w", err)
	}
	if err := os.WriteFile(s.headPath(k), headBytes, 0o644); err != nil {
		return fmt.Errorf("cachestore: writing head: %w", err)
	}

	if body == nil {
		return nil
	}

	stagingPath := filepath.Join(dir, k.BaseName+".body."+uuid.NewString()+".tmp")
	f, err := os.Create(stagingPath)
	if err != nil {
		return fmt.Errorf("cachestore: creating staging body file: %w", err)
	}
	if _, copyErr := io.Copy(f, body); copyErr != nil {
		f.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("cachestore: writing body: %w", copyErr)
	}
	if err := f.Close(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("cachestore: closing staging body file: %w", err)
	}
	if err := os.Rename(stagingPath, s.bodyPath(k)); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("cachestore: renaming body into place: %w", err)
	}
	return nil
}

// Clear removes the entire cache directory recursively. Calling it twice
// in a row is idempotent: both calls leave Root absent.
func (s *Store) Clear() error {
	return os.RemoveAll(s.Root)
}
