package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/usage"
)

// agentsHandler groups agent, budget, and usage HTTP handlers.
type agentsHandler struct {
	ledger ledger.Store
	usage  usage.Store
}

func newAgentsHandler(l ledger.Store, u usage.Store) *agentsHandler {
	return &agentsHandler{ledger: l, usage: u}
}

// createAgentRequest is the JSON body for creating an agent.
type createAgentRequest struct {
	Name           string `json:"name"`
	HardLimitCents int64  `json:"hard_limit_cents"`
}

// CreateAgent handles POST /v1/agents.
func (h *agentsHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if req.HardLimitCents < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "hard_limit_cents must not be negative")
		return
	}

	agent, err := h.ledger.CreateAgent(r.Context(), req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create agent")
		return
	}

	if req.HardLimitCents > 0 {
		agent, err = h.ledger.SetBudget(r.Context(), agent.ID, req.HardLimitCents, req.HardLimitCents)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to set initial budget")
			return
		}
	}

	writeJSON(w, http.StatusCreated, agent)
}

// GetAgent handles GET /v1/agents/{agentID}.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, err := h.ledger.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// CreateRun handles POST /v1/agents/{agentID}/runs. Runs carry no server
// state of their own; minting the ID here just saves clients from generating
// one.
func (h *agentsHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	if _, err := h.ledger.GetAgent(r.Context(), agentID); err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"agent_id": agentID,
		"run_id":   uuid.NewString(),
	})
}

// setBudgetRequest is the JSON body for setting an agent's budget.
type setBudgetRequest struct {
	HardLimitCents int64 `json:"hard_limit_cents"`
	TopupCents     int64 `json:"topup_cents"`
}

// SetBudget handles POST /v1/agents/{agentID}/budget.
func (h *agentsHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req setBudgetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.HardLimitCents < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "hard_limit_cents must not be negative")
		return
	}

	agent, err := h.ledger.SetBudget(r.Context(), agentID, req.HardLimitCents, req.TopupCents)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to set budget")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// GetBudget handles GET /v1/agents/{agentID}/budget.
func (h *agentsHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	agent, err := h.ledger.GetAgent(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":         agent.ID,
		"hard_limit_cents": agent.HardLimitCents,
		"remaining_cents":  agent.RemainingCents,
	})
}

// GetUsage handles GET /v1/agents/{agentID}/usage.
func (h *agentsHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = l
	}

	summary, err := h.usage.SummaryByAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize usage")
		return
	}
	entries, err := h.usage.ListByAgent(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage")
		return
	}
	if entries == nil {
		entries = []*usage.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"summary":  summary,
		"entries":  entries,
	})
}

// ListReservations handles GET /v1/agents/{agentID}/reservations.
func (h *agentsHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = l
	}

	reservations, err := h.ledger.ListReservations(r.Context(), agentID, limit)
	if err != nil {
		if errors.Is(err, ledger.ErrAgentNotFound) {
			writeError(w, http.StatusNotFound, "agent_not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list reservations")
		return
	}
	if reservations == nil {
		reservations = []*ledger.Reservation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reservations": reservations,
	})
}
