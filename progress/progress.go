// Package progress persists per-object, per-phase completion state so an
// interrupted run can resume without repeating remote work. The store is a
// single JSON file written atomically after every transition; writes funnel
// through one writer goroutine while reads serve lock-guarded snapshots.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle of one (ref, phase) pair. The order is monotonic:
// pending, in_flight, then done or error; error stays retryable.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
	StateDone     State = "done"
	StateError    State = "error"
)

// Record is the stored state of one (ref, phase) pair.
type Record struct {
	State         State     `json:"state"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// fileFormat is the on-disk document.
type fileFormat struct {
	RunID     string                       `json:"run_id"`
	StartedAt time.Time                    `json:"started_at"`
	UpdatedAt time.Time                    `json:"updated_at"`
	Phases    map[string]map[string]Record `json:"phases"`
}

// Store is the file-backed progress store.
type Store struct {
	path string
	log  *logrus.Logger

	mu   sync.RWMutex
	data fileFormat

	writes  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Open loads the progress file when present, or starts a fresh run. The
// returned store must be closed to guarantee the final flush.
func Open(path string, log *logrus.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		log:    log,
		writes:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse progress file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		s.data = fileFormat{
			RunID:     uuid.NewString(),
			StartedAt: time.Now().UTC(),
			Phases:    make(map[string]map[string]Record),
		}
	default:
		return nil, fmt.Errorf("read progress file %s: %w", path, err)
	}
	if s.data.Phases == nil {
		s.data.Phases = make(map[string]map[string]Record)
	}

	go s.writer()
	return s, nil
}

// RunID identifies the run that created this progress file.
func (s *Store) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.RunID
}

// Seed registers refs for a phase without touching refs already recorded.
// Existing done/error states survive so resume keeps its history.
func (s *Store) Seed(phase string, refs []string) {
	s.mu.Lock()
	phaseMap := s.phaseLocked(phase)
	for _, ref := range refs {
		if _, ok := phaseMap[ref]; !ok {
			phaseMap[ref] = Record{State: StatePending}
		}
	}
	s.mu.Unlock()
	s.requestWrite()
}

// Mark transitions one (ref, phase) pair. errMsg is recorded only for the
// error state.
func (s *Store) Mark(phase, ref string, state State, errMsg string) {
	s.mu.Lock()
	record := Record{State: state, LastAttemptAt: time.Now().UTC()}
	if state == StateError {
		record.Error = errMsg
	}
	s.phaseLocked(phase)[ref] = record
	s.data.UpdatedAt = record.LastAttemptAt
	s.mu.Unlock()
	s.requestWrite()
}

// Get returns the record for a pair; ok is false when the pair is unknown.
func (s *Store) Get(phase, ref string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.Phases[phase][ref]
	return record, ok
}

// Pending returns the sorted refs of a phase that still need work: pending,
// interrupted in-flight, and retryable errors.
func (s *Store) Pending(phase string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var refs []string
	for ref, record := range s.data.Phases[phase] {
		if record.State != StateDone {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

// Counts returns done/error/remaining tallies for a phase.
func (s *Store) Counts(phase string) (done, failed, remaining int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, record := range s.data.Phases[phase] {
		switch record.State {
		case StateDone:
			done++
		case StateError:
			failed++
		default:
			remaining++
		}
	}
	return done, failed, remaining
}

// Errors returns ref→message for the errored refs of a phase.
func (s *Store) Errors(phase string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for ref, record := range s.data.Phases[phase] {
		if record.State == StateError {
			out[ref] = record.Error
		}
	}
	return out
}

// Snapshot returns a deep copy of all phase state, for the status endpoint.
func (s *Store) Snapshot() map[string]map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]map[string]Record, len(s.data.Phases))
	for phase, refs := range s.data.Phases {
		phaseCopy := make(map[string]Record, len(refs))
		for ref, record := range refs {
			phaseCopy[ref] = record
		}
		out[phase] = phaseCopy
	}
	return out
}

// Flush writes the current state synchronously. Used on cancellation paths
// where waiting for the writer goroutine is not acceptable.
func (s *Store) Flush() error {
	return s.persist()
}

// Close stops the writer and flushes the final state.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
	return s.persist()
}

func (s *Store) phaseLocked(phase string) map[string]Record {
	phaseMap, ok := s.data.Phases[phase]
	if !ok {
		phaseMap = make(map[string]Record)
		s.data.Phases[phase] = phaseMap
	}
	return phaseMap
}

// requestWrite nudges the writer; the buffered channel collapses bursts of
// transitions into one disk write.
func (s *Store) requestWrite() {
	select {
	case s.writes <- struct{}{}:
	default:
	}
}

func (s *Store) writer() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.writes:
			if err := s.persist(); err != nil {
				s.log.WithField("error", err.Error()).Error("Progress write failed")
			}
		}
	}
}

func (s *Store) persist() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return fmt.Errorf("create temp progress file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// WaitIdle blocks until queued writes are flushed or the context ends. Only
// tests need this.
func (s *Store) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if len(s.writes) == 0 {
				return nil
			}
		}
	}
}
