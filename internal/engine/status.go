package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// flushKey is the singleflight key all Set calls coalesce on: there is
// exactly one status document per engine invocation, so one key suffices.
const flushKey = "flush"

// StatusStore holds the in-memory, per-pipeline status map and flushes it
// to disk atomically. Concurrent Set calls from many simultaneously
// finishing runs have their disk writes coalesced via singleflight, but a
// caller never returns believing its own update is persisted until a flush
// whose snapshot was taken at or after that update has actually completed:
// Set loops on a version counter rather than trusting the first flight it
// joins, since that flight's snapshot may predate its own map write.
type StatusStore struct {
	path string
	log  *zap.Logger

	mu         sync.RWMutex
	states     map[string]PipelineState
	seq        uint64 // bumped on every map write
	flushedSeq uint64 // seq as of the most recently completed flush's snapshot

	sg singleflight.Group

	// testFlushDelay, if set, is invoked by flush() after it has taken its
	// snapshot but before it persists it. Tests only.
	testFlushDelay func()
}

// NewStatusStore constructs a store that flushes to path on every Set.
func NewStatusStore(path string, log *zap.Logger) *StatusStore {
	return &StatusStore{
		path:   path,
		log:    log.Named("status_store"),
		states: make(map[string]PipelineState),
	}
}

// Set records a pipeline's state and flushes the full document to disk.
// Safe for concurrent use. Does not return until a flush whose snapshot
// reflects this call's write has completed (or flushing has failed).
func (s *StatusStore) Set(state PipelineState) {
	s.mu.Lock()
	s.states[state.ID] = state
	s.seq++
	mySeq := s.seq
	s.mu.Unlock()

	for {
		_, err, _ := s.sg.Do(flushKey, func() (any, error) {
			return nil, s.flush()
		})
		if err != nil {
			s.log.Error("failed to flush status file", zap.Error(err))
			return
		}

		s.mu.RLock()
		caughtUp := s.flushedSeq >= mySeq
		s.mu.RUnlock()
		if caughtUp {
			return
		}
		// The flight we just joined took its snapshot before our write
		// landed; a caller who joined mid-flush can observe this. Flush
		// again: singleflight starts a fresh flight since the previous one
		// already returned.
	}
}

// Snapshot returns a copy of the current status map, keyed by pipeline id.
func (s *StatusStore) Snapshot() map[string]PipelineState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PipelineState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// flush serializes the current map and atomically replaces the status
// file: write to a sibling temp file, fsync, close, rename.
func (s *StatusStore) flush() error {
	s.mu.RLock()
	snapshot := make(map[string]PipelineState, len(s.states))
	for k, v := range s.states {
		snapshot[k] = v
	}
	seqAtSnapshot := s.seq
	s.mu.RUnlock()

	if s.testFlushDelay != nil {
		s.testFlushDelay()
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp status file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp status file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp status file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp status file: %w", err)
	}

	s.mu.Lock()
	if seqAtSnapshot > s.flushedSeq {
		s.flushedSeq = seqAtSnapshot
	}
	s.mu.Unlock()
	return nil
}
