package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/studyhall/tutord/pkg/models"
	"github.com/studyhall/tutord/pkg/psm"
)

// MemoryStore keeps snapshots in process memory. It round-trips snapshots
// through JSON so it shares the Postgres store's serialization semantics,
// and is used in tests and when persistence is disabled.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]memoryRow
}

type memoryRow struct {
	learnerID string
	state     psm.State
	payload   []byte
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]memoryRow)}
}

// Persist upserts snap under its session id.
func (s *MemoryStore) Persist(_ context.Context, snap *models.SessionSnapshot) error {
	if snap == nil || snap.SessionID == "" {
		return fmt.Errorf("snapshot must carry a session id")
	}

	row := snapshotForWrite(snap)
	payload, err := json.Marshal(&row)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.SessionID] = memoryRow{
		learnerID: row.LearnerID,
		state:     row.State,
		payload:   payload,
		updatedAt: row.UpdatedAt,
	}
	return nil
}

// Restore returns the snapshot stored under sessionID.
func (s *MemoryStore) Restore(_ context.Context, sessionID string) (*models.SessionSnapshot, error) {
	s.mu.RLock()
	row, ok := s.rows[sessionID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	return decodeSnapshot(row.payload)
}

// RestoreByLearner returns the learner's most recently updated snapshot.
func (s *MemoryStore) RestoreByLearner(_ context.Context, learnerID string) (*models.SessionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest memoryRow
		found  bool
	)
	for _, row := range s.rows {
		if row.learnerID != learnerID {
			continue
		}
		if !found || row.updatedAt.After(latest.updatedAt) {
			latest = row
			found = true
		}
	}
	if !found {
		return nil, ErrNotFound
	}
	return decodeSnapshot(latest.payload)
}

// Delete removes the snapshot stored under sessionID.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, sessionID)
	return nil
}

// DeleteTerminalBefore removes snapshots of completed sessions last updated
// before cutoff.
func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(func(row memoryRow) bool {
		return psm.IsTerminal(row.state) && row.updatedAt.Before(cutoff)
	}), nil
}

// DeleteStaleBefore removes snapshots of non-terminal sessions last updated
// before cutoff.
func (s *MemoryStore) DeleteStaleBefore(_ context.Context, cutoff time.Time) (int64, error) {
	return s.deleteWhere(func(row memoryRow) bool {
		return !psm.IsTerminal(row.state) && row.updatedAt.Before(cutoff)
	}), nil
}

// Len reports how many snapshots are stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *MemoryStore) deleteWhere(match func(memoryRow) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, row := range s.rows {
		if match(row) {
			delete(s.rows, id)
			deleted++
		}
	}
	return deleted
}
