package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cynsta/spendguard/internal/orchestrate"
	"github.com/cynsta/spendguard/internal/ratelimit"
)

// Identity headers for the header-addressed completions route.
const (
	headerAgentID  = "X-Cynsta-Agent-Id"
	headerRunID    = "X-Cynsta-Run-Id"
	headerProvider = "X-Cynsta-Provider"
)

// completionsHandler serves the guarded chat-completions routes.
type completionsHandler struct {
	runner          *orchestrate.Runner
	limiter         *ratelimit.Limiter
	defaultProvider string
	knownProvider   func(name string) bool
	rateLimitHook   func()
}

func newCompletionsHandler(deps RouterDeps) *completionsHandler {
	h := &completionsHandler{
		runner:          deps.Runner,
		limiter:         deps.Limiter,
		defaultProvider: deps.DefaultProvider,
		knownProvider:   deps.KnownProvider,
	}
	if deps.Metrics != nil {
		h.rateLimitHook = deps.Metrics.RateLimitRejectionsTotal.Inc
	}
	return h
}

// FromHeaders handles POST /v1/chat/completions. Identity travels in the
// x-cynsta-* headers so the body stays byte-for-byte what the client would
// send to the provider directly.
func (h *completionsHandler) FromHeaders(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get(headerAgentID)
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "missing_agent_id",
			headerAgentID+" header is required")
		return
	}
	runID := r.Header.Get(headerRunID)
	providerName := r.Header.Get(headerProvider)

	h.serve(w, r, agentID, runID, providerName)
}

// FromPath handles POST /v1/agents/{agentID}/runs/{runID}/{provider}/chat/completions.
func (h *completionsHandler) FromPath(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r,
		chi.URLParam(r, "agentID"),
		chi.URLParam(r, "runID"),
		chi.URLParam(r, "provider"))
}

func (h *completionsHandler) serve(w http.ResponseWriter, r *http.Request, agentID, runID, providerName string) {
	if runID == "" {
		runID = uuid.NewString()
	}

	if h.limiter != nil && !h.limiter.Allow(agentID) {
		if h.rateLimitHook != nil {
			h.rateLimitHook()
		}
		writeError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}

	if providerName == "" {
		providerName = h.inferProvider(body)
	}
	if h.knownProvider != nil && !h.knownProvider(providerName) {
		writeError(w, http.StatusBadRequest, "unknown_provider",
			"no such provider configured: "+providerName)
		return
	}

	h.run(w, r, agentID, runID, providerName, body)
}

// modelProviderPrefixes routes well-known model families to their provider
// when no explicit provider is given.
var modelProviderPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"claude-", "anthropic"},
}

// inferProvider picks a provider from the model name prefix, falling back to
// the configured default. Unknown inferred providers fall back too, so a
// deployment with only an openai upstream still serves gpt models.
func (h *completionsHandler) inferProvider(body []byte) string {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Model == "" {
		return h.defaultProvider
	}
	for _, mp := range modelProviderPrefixes {
		if strings.HasPrefix(req.Model, mp.prefix) {
			if h.knownProvider == nil || h.knownProvider(mp.provider) {
				return mp.provider
			}
			break
		}
	}
	return h.defaultProvider
}

func (h *completionsHandler) run(w http.ResponseWriter, r *http.Request, agentID, runID, providerName string, body []byte) {
	result, err := h.runner.Run(r.Context(), orchestrate.Request{
		AgentID:  agentID,
		RunID:    runID,
		Provider: providerName,
		Header:   r.Header,
		Body:     body,
	}, w)
	if err != nil {
		// Once forwarding has started the upstream response owns the wire;
		// an envelope here would corrupt it.
		if result == nil || !result.Forwarded {
			writeRunError(w, err)
		}
		return
	}
}
