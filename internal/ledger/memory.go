package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory ledger for sidecar deployments without a
// database and for tests. A single mutex guards all state; balance checks and
// decrements therefore execute as one indivisible step.
type MemoryStore struct {
	mu           sync.Mutex
	agents       map[string]*Agent
	reservations map[string]*Reservation
	now          func() time.Time // injectable clock for testing
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:       make(map[string]*Agent),
		reservations: make(map[string]*Reservation),
		now:          time.Now,
	}
}

func (s *MemoryStore) CreateAgent(_ context.Context, name string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &Agent{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: s.now().UTC(),
	}
	s.agents[a.ID] = a

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) SetBudget(_ context.Context, agentID string, hardLimitCents, topupCents int64) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}

	a.HardLimitCents = hardLimitCents
	a.RemainingCents = clamp(a.RemainingCents+topupCents, 0, hardLimitCents)

	cp := *a
	return &cp, nil
}

func (s *MemoryStore) Reserve(_ context.Context, agentID, runID string, amountCents int64, ttl time.Duration) (*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}

	for _, r := range s.reservations {
		if r.AgentID == agentID && r.State == StatePending {
			return nil, ErrReservationHeld
		}
	}

	if amountCents > a.RemainingCents {
		return nil, ErrInsufficientBudget
	}

	now := s.now().UTC()
	r := &Reservation{
		ID:            uuid.New().String(),
		AgentID:       agentID,
		RunID:         runID,
		ReservedCents: amountCents,
		State:         StatePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	a.RemainingCents -= amountCents
	s.reservations[r.ID] = r

	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Settle(_ context.Context, reservationID string, actualCents int64) (*SettleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.State != StatePending {
		return nil, ErrReservationClosed
	}

	a := s.agents[r.AgentID]

	refund := r.ReservedCents - actualCents
	violation := refund < 0
	if violation {
		refund = 0
	}

	r.State = StateSettled
	r.ActualCents = actualCents
	a.RemainingCents = clamp(a.RemainingCents+refund, 0, a.HardLimitCents)

	return &SettleResult{RefundedCents: refund, EstimatorViolation: violation}, nil
}

func (s *MemoryStore) Release(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	if r.State != StatePending {
		return ErrReservationClosed
	}

	a := s.agents[r.AgentID]

	r.State = StateReleased
	a.RemainingCents = clamp(a.RemainingCents+r.ReservedCents, 0, a.HardLimitCents)

	return nil
}

func (s *MemoryStore) ListReservations(_ context.Context, agentID string, limit int) ([]*Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return nil, ErrAgentNotFound
	}

	var out []*Reservation
	for _, r := range s.reservations {
		if r.AgentID == agentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
