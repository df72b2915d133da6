// Package orchestrate drives a guarded chat completion end to end: lock the
// agent, price the request, reserve the worst case, forward upstream, then
// settle or release. Every reservation reaches exactly one terminal state on
// every path out of Run.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cynsta/spendguard/internal/estimate"
	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/pricing"
	"github.com/cynsta/spendguard/internal/provider"
	"github.com/cynsta/spendguard/internal/runlock"
	"github.com/cynsta/spendguard/internal/usage"
)

// ErrMalformedRequest wraps body parsing failures so callers can map them to
// a client error.
var ErrMalformedRequest = errors.New("malformed request")

// UpstreamError reports a transport-level failure talking to the provider.
// The reservation has already been released when this is returned.
type UpstreamError struct {
	Provider string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Provider, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Pricer resolves the verified rate for a provider/model pair.
type Pricer interface {
	Lookup(ctx context.Context, providerName, model string) (pricing.Entry, error)
}

// ForwardFunc sends the request upstream and streams the response to w.
type ForwardFunc func(ctx context.Context, providerName string, header http.Header, body []byte, w http.ResponseWriter) (*provider.Outcome, error)

// UsageRecorder receives the audited outcome of each completed run.
type UsageRecorder interface {
	Record(e usage.Entry)
}

// MetricsRecorder receives orchestration events. All methods are called from
// the request path; implementations must not block.
type MetricsRecorder interface {
	ReservationOutcome(outcome string)
	Settlement(reservedCents, realizedCents int64)
	Release(reason string)
	BudgetRejection()
	LockConflict()
	EstimatorViolation()
}

// Request identifies one guarded call.
type Request struct {
	AgentID  string
	RunID    string
	Provider string
	Header   http.Header
	Body     []byte
}

// Result describes a run that was forwarded upstream. Forwarded is true once
// response headers have been written to the client, after which the caller
// must not write an error envelope.
type Result struct {
	ReservationID      string
	ReservedCents      int64
	ActualCents        int64
	RefundedCents      int64
	StatusCode         int
	EstimatorViolation bool
	Forwarded          bool
}

// Runner executes the reservation state machine.
type Runner struct {
	Locks   runlock.Manager
	Ledger  ledger.Store
	Pricer  Pricer
	Forward ForwardFunc
	Usage   UsageRecorder   // optional
	Metrics MetricsRecorder // optional

	LockTTL          time.Duration
	DefaultMaxOutput int64
	Logger           *slog.Logger
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run executes one guarded completion. The response body is written to w by
// the forward step; on errors before forwarding, nothing has been written and
// the caller renders the error.
//
// The lock is released on every path. The reservation is settled on upstream
// success and released on upstream failure; it is never left pending.
func (r *Runner) Run(ctx context.Context, req Request, w http.ResponseWriter) (*Result, error) {
	if err := r.Locks.Acquire(ctx, req.AgentID, req.RunID, r.LockTTL); err != nil {
		var held *runlock.HeldError
		if errors.As(err, &held) && r.Metrics != nil {
			r.Metrics.LockConflict()
		}
		return nil, err
	}
	defer func() {
		if err := r.Locks.Release(context.WithoutCancel(ctx), req.AgentID, req.RunID); err != nil {
			r.logger().Error("releasing run lock", "agent_id", req.AgentID, "run_id", req.RunID, "error", err)
		}
	}()

	shape, err := estimate.ShapeFromBody(req.Body, r.DefaultMaxOutput)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}

	entry, err := r.Pricer.Lookup(ctx, req.Provider, shape.Model)
	if err != nil {
		return nil, err
	}

	wcec := estimate.WorstCase(shape, entry)
	res, err := r.Ledger.Reserve(ctx, req.AgentID, req.RunID, wcec, r.LockTTL)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBudget) && r.Metrics != nil {
			r.Metrics.BudgetRejection()
		}
		if r.Metrics != nil {
			r.Metrics.ReservationOutcome("rejected")
		}
		return nil, err
	}
	if r.Metrics != nil {
		r.Metrics.ReservationOutcome("reserved")
	}

	r.logger().Info("reserved",
		"agent_id", req.AgentID,
		"run_id", req.RunID,
		"reservation_id", res.ID,
		"model", shape.Model,
		"reserved_cents", wcec)

	outcome, fwdErr := r.Forward(ctx, req.Provider, req.Header, req.Body, w)
	if fwdErr != nil && outcome == nil {
		// Upstream never answered; give the hold back in full.
		r.releaseReservation(ctx, res, req, "upstream_failure", 0, 0)
		return nil, &UpstreamError{Provider: req.Provider, Err: fwdErr}
	}

	result := &Result{
		ReservationID: res.ID,
		ReservedCents: wcec,
		StatusCode:    outcome.StatusCode,
		Forwarded:     true,
	}

	if fwdErr != nil {
		// The response broke mid-stream. The provider may still have charged
		// for what it generated, so settle with whatever usage was captured;
		// with none, hold the full reservation.
		r.logger().Warn("upstream response interrupted",
			"agent_id", req.AgentID, "reservation_id", res.ID, "error", fwdErr)
	}

	actual := wcec
	if outcome.UsageFound {
		actual = estimate.Actual(outcome.Usage.PromptTokens, outcome.Usage.CompletionTokens, entry)
	} else {
		r.logger().Warn("provider returned no usage, settling at reserved amount",
			"agent_id", req.AgentID, "reservation_id", res.ID, "provider", req.Provider)
	}

	settled, err := r.Ledger.Settle(ctx, res.ID, actual)
	if err != nil {
		r.logger().Error("settling reservation", "reservation_id", res.ID, "error", err)
		return result, nil
	}

	result.ActualCents = actual
	result.RefundedCents = settled.RefundedCents
	result.EstimatorViolation = settled.EstimatorViolation

	if settled.EstimatorViolation {
		r.logger().Warn("actual cost exceeded reservation",
			"agent_id", req.AgentID,
			"reservation_id", res.ID,
			"reserved_cents", wcec,
			"actual_cents", actual)
		if r.Metrics != nil {
			r.Metrics.EstimatorViolation()
		}
	}
	if r.Metrics != nil {
		r.Metrics.Settlement(wcec, actual)
	}
	r.recordUsage(req, res, shape.Model, outcome, actual, "settled")

	r.logger().Info("settled",
		"agent_id", req.AgentID,
		"reservation_id", res.ID,
		"actual_cents", actual,
		"refunded_cents", settled.RefundedCents)

	return result, nil
}

func (r *Runner) releaseReservation(ctx context.Context, res *ledger.Reservation, req Request, reason string, statusCode int, latencyMs int64) {
	if err := r.Ledger.Release(context.WithoutCancel(ctx), res.ID); err != nil {
		r.logger().Error("releasing reservation", "reservation_id", res.ID, "error", err)
		return
	}
	if r.Metrics != nil {
		r.Metrics.Release(reason)
	}
	r.recordUsage(req, res, "", &provider.Outcome{StatusCode: statusCode, LatencyMs: latencyMs}, 0, "released")
	r.logger().Info("released",
		"agent_id", req.AgentID,
		"reservation_id", res.ID,
		"reason", reason,
		"refunded_cents", res.ReservedCents)
}

func (r *Runner) recordUsage(req Request, res *ledger.Reservation, model string, outcome *provider.Outcome, actualCents int64, state string) {
	if r.Usage == nil {
		return
	}
	r.Usage.Record(usage.Entry{
		AgentID:          req.AgentID,
		RunID:            req.RunID,
		ReservationID:    res.ID,
		Provider:         req.Provider,
		Model:            model,
		PromptTokens:     outcome.Usage.PromptTokens,
		CompletionTokens: outcome.Usage.CompletionTokens,
		ReservedCents:    res.ReservedCents,
		RealizedCents:    actualCents,
		Outcome:          state,
		StatusCode:       outcome.StatusCode,
		LatencyMs:        outcome.LatencyMs,
		CreatedAt:        time.Now().UTC(),
	})
}
