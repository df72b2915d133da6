package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientBudget is returned by Reserve when the requested amount
	// exceeds the agent's remaining balance. The balance is left unchanged.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrAgentNotFound is returned when the referenced agent does not exist.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrReservationNotFound is returned when the referenced reservation does
	// not exist.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationClosed is returned by Settle and Release when the
	// reservation has already reached a terminal state.
	ErrReservationClosed = errors.New("reservation already settled or released")

	// ErrReservationHeld is returned by Reserve when the agent already has a
	// pending reservation. Per-agent serialization is the lock manager's job;
	// this is the ledger's defense-in-depth check.
	ErrReservationHeld = errors.New("agent already has a pending reservation")
)

// Store is the durable budget ledger. All mutating operations are atomic with
// respect to concurrent mutations of the same agent's balance; operations on
// different agents proceed in parallel.
type Store interface {
	CreateAgent(ctx context.Context, name string) (*Agent, error)
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// SetBudget sets the hard limit and adds topupCents to the remaining
	// balance, clamping the result into [0, hardLimitCents].
	SetBudget(ctx context.Context, agentID string, hardLimitCents, topupCents int64) (*Agent, error)

	// Reserve atomically checks amountCents against the remaining balance,
	// decrements it, and records a pending reservation, all in one step.
	Reserve(ctx context.Context, agentID, runID string, amountCents int64, ttl time.Duration) (*Reservation, error)

	// Settle refunds reservedCents - actualCents and transitions the
	// reservation to settled. A refund below zero is clamped and reported as
	// an estimator violation.
	Settle(ctx context.Context, reservationID string, actualCents int64) (*SettleResult, error)

	// Release refunds the full reserved amount and transitions the
	// reservation to released.
	Release(ctx context.Context, reservationID string) error

	// ListReservations returns the agent's reservations, terminal ones
	// included, newest first.
	ListReservations(ctx context.Context, agentID string, limit int) ([]*Reservation, error)
}
