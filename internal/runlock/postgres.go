package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresManager stores leases in the run_locks table so locks survive a
// process restart. The conditional upsert acquires in a single statement:
// it wins when no row exists, when the existing lease has expired, or when the
// same run re-enters.
type PostgresManager struct {
	pool *pgxpool.Pool
}

// NewPostgresManager creates a lease manager backed by the given pool.
func NewPostgresManager(pool *pgxpool.Pool) *PostgresManager {
	return &PostgresManager{pool: pool}
}

func (m *PostgresManager) Acquire(ctx context.Context, agentID, runID string, ttl time.Duration) error {
	var holder string
	err := m.pool.QueryRow(ctx,
		`INSERT INTO run_locks (agent_id, run_id, acquired_at, expires_at)
		 VALUES ($1, $2, now(), now() + $3)
		 ON CONFLICT (agent_id) DO UPDATE
		 SET run_id = EXCLUDED.run_id,
		     acquired_at = EXCLUDED.acquired_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE run_locks.expires_at <= now() OR run_locks.run_id = EXCLUDED.run_id
		 RETURNING run_id`,
		agentID, runID, ttl,
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// Upsert condition failed: a live lease is held by another run.
		if err := m.pool.QueryRow(ctx,
			`SELECT run_id FROM run_locks WHERE agent_id = $1`, agentID,
		).Scan(&holder); err != nil {
			return fmt.Errorf("reading lock holder: %w", err)
		}
		return &HeldError{AgentID: agentID, RunID: holder}
	}
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	return nil
}

func (m *PostgresManager) Release(ctx context.Context, agentID, runID string) error {
	_, err := m.pool.Exec(ctx,
		`DELETE FROM run_locks WHERE agent_id = $1 AND run_id = $2`,
		agentID, runID,
	)
	if err != nil {
		return fmt.Errorf("releasing run lock: %w", err)
	}
	return nil
}
