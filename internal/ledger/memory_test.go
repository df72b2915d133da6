package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newFundedAgent(t *testing.T, s *MemoryStore, limit, topup int64) *Agent {
	t.Helper()
	ctx := context.Background()

	a, err := s.CreateAgent(ctx, "test-agent")
	if err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	a, err = s.SetBudget(ctx, a.ID, limit, topup)
	if err != nil {
		t.Fatalf("setting budget: %v", err)
	}
	return a
}

func TestSetBudgetClampsToHardLimit(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 9000)

	if a.RemainingCents != 5000 {
		t.Fatalf("remaining should clamp to hard limit, got %d", a.RemainingCents)
	}
	if a.HardLimitCents != 5000 {
		t.Fatalf("hard limit should be 5000, got %d", a.HardLimitCents)
	}
}

func TestReserveDecrementsBalance(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r, err := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if r.State != StatePending {
		t.Fatalf("reservation state should be pending, got %q", r.State)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 4800 {
		t.Fatalf("remaining should be 4800 after reserve, got %d", got.RemainingCents)
	}
}

func TestReserveInsufficientBudgetLeavesBalanceUnchanged(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	_, err := s.Reserve(ctx, a.ID, "run-1", 6000, time.Minute)
	if !errors.Is(err, ErrInsufficientBudget) {
		t.Fatalf("expected ErrInsufficientBudget, got %v", err)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 5000 {
		t.Fatalf("remaining should be unchanged at 5000, got %d", got.RemainingCents)
	}
}

func TestSettleRefundsDifference(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r, err := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	res, err := s.Settle(ctx, r.ID, 150)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.RefundedCents != 50 {
		t.Fatalf("refund should be 50, got %d", res.RefundedCents)
	}
	if res.EstimatorViolation {
		t.Fatal("no estimator violation expected")
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 4850 {
		t.Fatalf("remaining should be 4850 after settle, got %d", got.RemainingCents)
	}
}

func TestSettleClampsRefundWhenActualExceedsReserved(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r, _ := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute)

	res, err := s.Settle(ctx, r.ID, 300)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !res.EstimatorViolation {
		t.Fatal("expected estimator violation")
	}
	if res.RefundedCents != 0 {
		t.Fatalf("refund should clamp to 0, got %d", res.RefundedCents)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 4800 {
		t.Fatalf("remaining should stay at 4800, got %d", got.RemainingCents)
	}
}

func TestReleaseRefundsFullAmount(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r, _ := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute)

	if err := s.Release(ctx, r.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 5000 {
		t.Fatalf("remaining should be restored to 5000, got %d", got.RemainingCents)
	}
}

func TestTerminalStatesAreOneWay(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r, _ := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute)
	if _, err := s.Settle(ctx, r.ID, 100); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if _, err := s.Settle(ctx, r.ID, 100); !errors.Is(err, ErrReservationClosed) {
		t.Fatalf("double settle should fail with ErrReservationClosed, got %v", err)
	}
	if err := s.Release(ctx, r.ID); !errors.Is(err, ErrReservationClosed) {
		t.Fatalf("release after settle should fail with ErrReservationClosed, got %v", err)
	}

	// Balance reflects exactly one settlement.
	got, _ := s.GetAgent(ctx, a.ID)
	if got.RemainingCents != 4900 {
		t.Fatalf("remaining should be 4900, got %d", got.RemainingCents)
	}
}

func TestSecondPendingReservationRejected(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	if _, err := s.Reserve(ctx, a.ID, "run-1", 200, time.Minute); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := s.Reserve(ctx, a.ID, "run-2", 200, time.Minute); !errors.Is(err, ErrReservationHeld) {
		t.Fatalf("second reserve should fail with ErrReservationHeld, got %v", err)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// 10 agents, each with 1000 cents; 20 goroutines per agent each trying to
	// reserve 100. At most 10 reservations per agent can succeed.
	const agents = 10
	ids := make([]string, agents)
	for i := range ids {
		a := newFundedAgent(t, s, 1000, 1000)
		ids[i] = a.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for g := 0; g < 20; g++ {
			wg.Add(1)
			go func(agentID string) {
				defer wg.Done()
				r, err := s.Reserve(ctx, agentID, "run", 100, time.Minute)
				if err != nil {
					return
				}
				// Immediately settle at full cost so the next reserve can run.
				_, _ = s.Settle(ctx, r.ID, 100)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range ids {
		a, err := s.GetAgent(ctx, id)
		if err != nil {
			t.Fatalf("get agent: %v", err)
		}
		if a.RemainingCents < 0 || a.RemainingCents > a.HardLimitCents {
			t.Fatalf("balance invariant violated: remaining=%d limit=%d", a.RemainingCents, a.HardLimitCents)
		}
	}
}

func TestListReservationsIncludesTerminal(t *testing.T) {
	s := NewMemoryStore()
	a := newFundedAgent(t, s, 5000, 5000)
	ctx := context.Background()

	r1, _ := s.Reserve(ctx, a.ID, "run-1", 100, time.Minute)
	_, _ = s.Settle(ctx, r1.ID, 100)
	r2, _ := s.Reserve(ctx, a.ID, "run-2", 100, time.Minute)
	_ = s.Release(ctx, r2.ID)

	list, err := s.ListReservations(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 reservations in audit trail, got %d", len(list))
	}
}
