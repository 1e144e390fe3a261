package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"orgatlas.dev/version"
)

// compressThreshold is the payload size above which entries are gzipped.
const compressThreshold = 4 * 1024

// FileStore keeps one JSON envelope file per entry, grouped in a directory
// per data type. Writes go through a temp file plus rename so a crashed run
// never leaves a torn entry behind.
type FileStore struct {
	dir string
	ttl time.Duration
	log *logrus.Logger

	hits       atomic.Int64
	misses     atomic.Int64
	writes     atomic.Int64
	evictions  atomic.Int64
	bytesSaved atomic.Int64
}

// NewFileStore creates the cache directory when missing.
func NewFileStore(dir string, ttl time.Duration, log *logrus.Logger) (*FileStore, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir, ttl: ttl, log: log}, nil
}

func (s *FileStore) entryPath(key Key) string {
	return filepath.Join(s.dir, key.DataType, key.Fingerprint()+".json")
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			s.misses.Add(1)
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Corrupt entries are treated as misses and removed so the next
		// write replaces them cleanly.
		s.misses.Add(1)
		_ = os.Remove(s.entryPath(key))
		return nil, ErrMiss
	}
	if env.SchemaVersion != version.SchemaVersion || time.Since(env.CreatedAt) > s.ttl {
		s.misses.Add(1)
		return nil, ErrMiss
	}

	payload := env.Payload
	if env.Compressed {
		payload, err = gunzip(payload)
		if err != nil {
			s.misses.Add(1)
			_ = os.Remove(s.entryPath(key))
			return nil, ErrMiss
		}
	}

	s.hits.Add(1)
	s.bytesSaved.Add(int64(len(payload)))
	return payload, nil
}

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, key Key, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := payload
	compressed := false
	if len(payload) >= compressThreshold {
		gz, err := gzipBytes(payload)
		if err != nil {
			return fmt.Errorf("compress cache entry: %w", err)
		}
		if len(gz) < len(payload) {
			stored = gz
			compressed = true
		}
	}

	raw, err := encodeEnvelope(key, stored, compressed, time.Now())
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	path := s.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache subdir: %w", err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return err
	}
	s.writes.Add(1)
	return nil
}

// Clear implements Store. Returns the number of removed entries.
func (s *FileStore) Clear(ctx context.Context, dataType string, olderThan time.Duration) (int, error) {
	root := s.dir
	if dataType != "" {
		root = filepath.Join(s.dir, dataType)
	}
	cutoff := time.Now().Add(-olderThan)

	removed := 0
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		if olderThan > 0 {
			info, err := d.Info()
			if err != nil {
				return err
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, err
	}
	s.evictions.Add(int64(removed))
	return removed, nil
}

// Stats implements Store.
func (s *FileStore) Stats() Stats {
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Writes:     s.writes.Load(),
		Evictions:  s.evictions.Load(),
		BytesSaved: s.bytesSaved.Load(),
	}
}

// SaveStats persists a counters snapshot under the cache directory so the
// cache stats subcommand can report across runs.
func (s *FileStore) SaveStats() error {
	raw, err := json.MarshalIndent(s.Stats(), "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Join(s.dir, "stats")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "cache_stats.json"), raw)
}

// LoadStats reads the persisted snapshot, returning zero stats when absent.
func (s *FileStore) LoadStats() (Stats, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "stats", "cache_stats.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{}, nil
		}
		return Stats{}, err
	}
	var stats Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return out, nil
}
