package runlock

import (
	"context"
	"sync"
	"time"
)

// lease is a single agent's lock record.
type lease struct {
	runID      string
	acquiredAt time.Time
	expiresAt  time.Time
}

// MemoryManager is an in-process lease table guarded by a mutex.
type MemoryManager struct {
	mu     sync.Mutex
	leases map[string]*lease
	now    func() time.Time // injectable clock for testing
}

// NewMemoryManager creates an empty lease table.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		leases: make(map[string]*lease),
		now:    time.Now,
	}
}

func (m *MemoryManager) Acquire(_ context.Context, agentID, runID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.leases[agentID]
	if ok && now.Before(l.expiresAt) && l.runID != runID {
		return &HeldError{AgentID: agentID, RunID: l.runID}
	}

	// Fresh acquisition, idempotent re-entry, or reclaim of an expired lease.
	// Re-entry extends the lease.
	m.leases[agentID] = &lease{
		runID:      runID,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}
	return nil
}

func (m *MemoryManager) Release(_ context.Context, agentID, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[agentID]
	if !ok || l.runID != runID {
		return nil
	}
	delete(m.leases, agentID)
	return nil
}
