package usage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists usage ledger entries.
type Store interface {
	BatchInsert(ctx context.Context, entries []Entry) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error)
	SummaryByAgent(ctx context.Context, agentID string) (*Summary, error)
}

// MemoryStore keeps the usage ledger in memory for sidecar deployments
// without a database.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) BatchInsert(_ context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		s.entries = append(s.entries, e)
	}
	return nil
}

func (s *MemoryStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].AgentID == agentID {
			cp := s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) SummaryByAgent(_ context.Context, agentID string) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{}
	for _, e := range s.entries {
		if e.AgentID != agentID {
			continue
		}
		sum.TotalRequests++
		sum.TotalReservedCents += e.ReservedCents
		sum.TotalRealizedCents += e.RealizedCents
		switch e.Outcome {
		case "settled":
			sum.SettledCount++
		case "released":
			sum.ReleasedCount++
		}
	}
	return sum, nil
}

// PostgresStore writes the usage ledger to the usage_ledger table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// BatchInsert writes a slice of entries in a single multi-row INSERT.
// It is a no-op when entries is empty.
func (s *PostgresStore) BatchInsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 13
	args := make([]any, 0, len(entries)*cols)
	rows := make([]string, 0, len(entries))

	for i, e := range entries {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12, base+13,
		))
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		args = append(args,
			e.AgentID,
			e.RunID,
			e.ReservationID,
			e.Provider,
			e.Model,
			e.PromptTokens,
			e.CompletionTokens,
			e.ReservedCents,
			e.RealizedCents,
			e.Outcome,
			e.StatusCode,
			e.LatencyMs,
			createdAt,
		)
	}

	query := `INSERT INTO usage_ledger
		(agent_id, run_id, reservation_id, provider, model, prompt_tokens,
		 completion_tokens, reserved_cents, realized_cents, outcome, status_code, latency_ms, created_at)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting usage entries: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, run_id, reservation_id, provider, model, prompt_tokens,
		        completion_tokens, reserved_cents, realized_cents, outcome, status_code, latency_ms, created_at
		 FROM usage_ledger
		 WHERE agent_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing usage entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AgentID, &e.RunID, &e.ReservationID, &e.Provider, &e.Model,
			&e.PromptTokens, &e.CompletionTokens, &e.ReservedCents, &e.RealizedCents,
			&e.Outcome, &e.StatusCode, &e.LatencyMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SummaryByAgent(ctx context.Context, agentID string) (*Summary, error) {
	sum := &Summary{}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(reserved_cents), 0),
		        COALESCE(SUM(realized_cents), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'settled' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN outcome = 'released' THEN 1 ELSE 0 END), 0)
		 FROM usage_ledger WHERE agent_id = $1`,
		agentID,
	).Scan(&sum.TotalRequests, &sum.TotalReservedCents, &sum.TotalRealizedCents,
		&sum.SettledCount, &sum.ReleasedCount)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	return sum, nil
}
