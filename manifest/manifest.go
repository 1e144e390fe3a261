// Package manifest keeps a local record of what the uploader last pushed
// into each index namespace. It backs dry-run diffs and the post-upload
// cross-check without a round trip to the index.
package manifest

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Entry describes one uploaded chunk.
type Entry struct {
	ObjectRef   string    `json:"object_ref"`
	ContentHash string    `json:"content_hash"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// Manifest is a bbolt-backed chunk id -> Entry store, one bucket per
// namespace.
type Manifest struct {
	db *bolt.DB
}

// Open opens or creates the manifest database at path.
func Open(path string) (*Manifest, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying database.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// RecordUpserts stores entries for uploaded chunk ids.
func (m *Manifest) RecordUpserts(namespace string, entries map[string]Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("create manifest bucket %s: %w", namespace, err)
		}
		for id, entry := range entries {
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encode manifest entry %s: %w", id, err)
			}
			if err := bucket.Put([]byte(id), data); err != nil {
				return fmt.Errorf("store manifest entry %s: %w", id, err)
			}
		}
		return nil
	})
}

// RecordDeletes drops entries for removed chunk ids. Absent ids are ignored.
func (m *Manifest) RecordDeletes(namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return fmt.Errorf("delete manifest entry %s: %w", id, err)
			}
		}
		return nil
	})
}

// Snapshot returns all entries recorded for a namespace.
func (m *Manifest) Snapshot(namespace string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode manifest entry %s: %w", k, err)
			}
			out[string(k)] = entry
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IDs returns the sorted chunk ids recorded for a namespace.
func (m *Manifest) IDs(namespace string) ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(namespace))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// HashesByRef folds the namespace entries down to one content hash per
// object ref.
func (m *Manifest) HashesByRef(namespace string) (map[string]string, error) {
	snapshot, err := m.Snapshot(namespace)
	if err != nil {
		return nil, err
	}
	hashes := make(map[string]string)
	for _, entry := range snapshot {
		hashes[entry.ObjectRef] = entry.ContentHash
	}
	return hashes, nil
}
