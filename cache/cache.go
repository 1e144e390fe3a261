// Package cache provides the extraction cache that sits in front of every
// Salesforce read. Entries are addressed by a content fingerprint derived
// from the data type, the object reference, and the query parameters, so the
// same logical question always lands on the same entry regardless of caller.
//
// Two backends are provided: a file store for the default local workflow and
// a Redis-compatible store for shared environments. Both honor the same TTL
// and schema-version semantics and both keep hit/miss/write counters for the
// final report.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"orgatlas.dev/version"
)

// ErrMiss is returned by Get when no fresh entry exists for the key.
var ErrMiss = errors.New("cache: miss")

// DefaultTTL is how long an entry stays fresh.
const DefaultTTL = 24 * time.Hour

// Key identifies a cached payload. ObjectRef may be empty for org-wide
// queries; Params carries the knobs that change the answer (query text,
// limits, filters).
type Key struct {
	DataType  string
	ObjectRef string
	Params    map[string]string
}

// Fingerprint derives the stable cache address for the key. Params are
// folded in sorted order and the schema version is mixed in so entries
// written by an incompatible release never resurface.
func (k Key) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "v%s|%s|%s", version.SchemaVersion, k.DataType, k.ObjectRef)

	names := make([]string, 0, len(k.Params))
	for name := range k.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%s", name, k.Params[name])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Stats are monotonic counters over the life of a store.
type Stats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Writes     int64 `json:"writes"`
	Evictions  int64 `json:"evictions"`
	BytesSaved int64 `json:"bytes_saved"`
}

// HitRate returns hits over lookups, zero when no lookups happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Store is the cache contract shared by the file and Redis backends.
type Store interface {
	// Get returns the cached payload or ErrMiss. Expired and
	// schema-incompatible entries count as misses.
	Get(ctx context.Context, key Key) ([]byte, error)
	// Put stores a payload under the key.
	Put(ctx context.Context, key Key, payload []byte) error
	// Clear removes entries. An empty dataType clears everything; a
	// non-zero olderThan keeps entries younger than the cutoff.
	Clear(ctx context.Context, dataType string, olderThan time.Duration) (int, error)
	// Stats returns a snapshot of the counters.
	Stats() Stats
}

// envelope is the stored representation of an entry.
type envelope struct {
	SchemaVersion string    `json:"schema_version"`
	DataType      string    `json:"data_type"`
	ObjectRef     string    `json:"object_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Compressed    bool      `json:"compressed"`
	Payload       []byte    `json:"payload"`
}

func encodeEnvelope(key Key, payload []byte, compressed bool, now time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		SchemaVersion: version.SchemaVersion,
		DataType:      key.DataType,
		ObjectRef:     key.ObjectRef,
		CreatedAt:     now.UTC(),
		Compressed:    compressed,
		Payload:       payload,
	})
}

// keyLocks serializes concurrent fills of the same fingerprint so a burst of
// identical lookups costs one remote call, not one per caller.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (kl *keyLocks) lock(fingerprint string) *sync.Mutex {
	kl.mu.Lock()
	m, ok := kl.locks[fingerprint]
	if !ok {
		m = &sync.Mutex{}
		kl.locks[fingerprint] = m
	}
	kl.mu.Unlock()
	m.Lock()
	return m
}

// Fill produces a payload on a cache miss.
type Fill func(ctx context.Context) ([]byte, error)

// GetOrFill returns the cached payload for key, invoking fill on a miss and
// storing its result. Concurrent callers for the same key are collapsed into
// a single fill.
func GetOrFill(ctx context.Context, store Store, locks *keyLocks, key Key, fill Fill) ([]byte, error) {
	if payload, err := store.Get(ctx, key); err == nil {
		return payload, nil
	} else if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	m := locks.lock(key.Fingerprint())
	defer m.Unlock()

	// Another caller may have filled while we waited for the lock.
	if payload, err := store.Get(ctx, key); err == nil {
		return payload, nil
	} else if !errors.Is(err, ErrMiss) {
		return nil, err
	}

	payload, err := fill(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.Put(ctx, key, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Filler wraps a Store with per-key single-flight semantics.
type Filler struct {
	store Store
	locks *keyLocks
}

// NewFiller wraps a store.
func NewFiller(store Store) *Filler {
	return &Filler{store: store, locks: newKeyLocks()}
}

// GetOrFill delegates to the package-level GetOrFill with the shared locks.
func (f *Filler) GetOrFill(ctx context.Context, key Key, fill Fill) ([]byte, error) {
	return GetOrFill(ctx, f.store, f.locks, key, fill)
}

// Store exposes the wrapped backend.
func (f *Filler) Store() Store { return f.store }
