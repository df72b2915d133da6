// Package runlock serializes in-flight runs per agent. A lock is a lease
// keyed by agent ID; leases expire on their own after the TTL so a crashed
// client can never permanently wedge an agent.
package runlock

import (
	"context"
	"fmt"
	"time"
)

// HeldError is returned by Acquire when a different run already holds the
// agent's lock.
type HeldError struct {
	AgentID string
	RunID   string // the holder's run ID
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("agent %s locked by run %s", e.AgentID, e.RunID)
}

// Manager is the per-agent mutual-exclusion collaborator.
//
// Acquire is idempotent for the same (agentID, runID) pair so clients can
// retry until settlement without deadlocking themselves. Release is idempotent
// and a no-op when the lease is absent, expired, or held by another run.
type Manager interface {
	Acquire(ctx context.Context, agentID, runID string, ttl time.Duration) error
	Release(ctx context.Context, agentID, runID string) error
}
