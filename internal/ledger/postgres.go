package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the durable ledger backed by a pgx connection pool.
//
// Reserve uses compare-and-decrement SQL so the balance check and the
// decrement are one statement; a partial unique index on pending reservations
// backs the one-pending-per-agent invariant.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a ledger store backed by the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateAgent(ctx context.Context, name string) (*Agent, error) {
	a := &Agent{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agents (name)
		 VALUES ($1)
		 RETURNING id, name, hard_limit_cents, remaining_cents, created_at`,
		name,
	).Scan(&a.ID, &a.Name, &a.HardLimitCents, &a.RemainingCents, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	a := &Agent{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, hard_limit_cents, remaining_cents, created_at
		 FROM agents WHERE id = $1`,
		agentID,
	).Scan(&a.ID, &a.Name, &a.HardLimitCents, &a.RemainingCents, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) SetBudget(ctx context.Context, agentID string, hardLimitCents, topupCents int64) (*Agent, error) {
	a := &Agent{}
	err := s.pool.QueryRow(ctx,
		`UPDATE agents
		 SET hard_limit_cents = $2,
		     remaining_cents = LEAST($2, GREATEST(0, remaining_cents + $3))
		 WHERE id = $1
		 RETURNING id, name, hard_limit_cents, remaining_cents, created_at`,
		agentID, hardLimitCents, topupCents,
	).Scan(&a.ID, &a.Name, &a.HardLimitCents, &a.RemainingCents, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("setting budget: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, agentID, runID string, amountCents int64, ttl time.Duration) (*Reservation, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Compare-and-decrement: matches zero rows when the balance is short.
	tag, err := tx.Exec(ctx,
		`UPDATE agents SET remaining_cents = remaining_cents - $2
		 WHERE id = $1 AND remaining_cents >= $2`,
		agentID, amountCents,
	)
	if err != nil {
		return nil, fmt.Errorf("decrementing balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, agentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("checking agent: %w", err)
		}
		if !exists {
			return nil, ErrAgentNotFound
		}
		return nil, ErrInsufficientBudget
	}

	r := &Reservation{}
	err = tx.QueryRow(ctx,
		`INSERT INTO reservations (agent_id, run_id, reserved_cents, state, expires_at)
		 VALUES ($1, $2, $3, 'pending', now() + $4)
		 RETURNING id, agent_id, run_id, reserved_cents, actual_cents, state, created_at, expires_at`,
		agentID, runID, amountCents, ttl,
	).Scan(&r.ID, &r.AgentID, &r.RunID, &r.ReservedCents, &r.ActualCents, &r.State, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrReservationHeld
		}
		return nil, fmt.Errorf("inserting reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing reserve tx: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Settle(ctx context.Context, reservationID string, actualCents int64) (*SettleResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var agentID string
	var reserved int64
	err = tx.QueryRow(ctx,
		`UPDATE reservations SET state = 'settled', actual_cents = $2
		 WHERE id = $1 AND state = 'pending'
		 RETURNING agent_id, reserved_cents`,
		reservationID, actualCents,
	).Scan(&agentID, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.closedOrMissing(ctx, reservationID)
	}
	if err != nil {
		return nil, fmt.Errorf("settling reservation: %w", err)
	}

	refund := reserved - actualCents
	violation := refund < 0
	if violation {
		refund = 0
	}

	if refund > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE agents
			 SET remaining_cents = LEAST(hard_limit_cents, remaining_cents + $2)
			 WHERE id = $1`,
			agentID, refund,
		)
		if err != nil {
			return nil, fmt.Errorf("refunding balance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing settle tx: %w", err)
	}
	return &SettleResult{RefundedCents: refund, EstimatorViolation: violation}, nil
}

func (s *PostgresStore) Release(ctx context.Context, reservationID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var agentID string
	var reserved int64
	err = tx.QueryRow(ctx,
		`UPDATE reservations SET state = 'released'
		 WHERE id = $1 AND state = 'pending'
		 RETURNING agent_id, reserved_cents`,
		reservationID,
	).Scan(&agentID, &reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.closedOrMissing(ctx, reservationID)
	}
	if err != nil {
		return fmt.Errorf("releasing reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE agents
		 SET remaining_cents = LEAST(hard_limit_cents, remaining_cents + $2)
		 WHERE id = $1`,
		agentID, reserved,
	)
	if err != nil {
		return fmt.Errorf("refunding balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing release tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListReservations(ctx context.Context, agentID string, limit int) ([]*Reservation, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, run_id, reserved_cents, actual_cents, state, created_at, expires_at
		 FROM reservations
		 WHERE agent_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		agentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reservations: %w", err)
	}
	defer rows.Close()

	var out []*Reservation
	for rows.Next() {
		r := &Reservation{}
		if err := rows.Scan(&r.ID, &r.AgentID, &r.RunID, &r.ReservedCents, &r.ActualCents, &r.State, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reservation rows: %w", err)
	}
	return out, nil
}

// closedOrMissing distinguishes an already-terminal reservation from a
// missing one after a guarded UPDATE matched zero rows.
func (s *PostgresStore) closedOrMissing(ctx context.Context, reservationID string) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM reservations WHERE id = $1`, reservationID,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("checking reservation state: %w", err)
	}
	return ErrReservationClosed
}
