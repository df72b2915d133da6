package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cynsta/spendguard/internal/auth"
	"github.com/cynsta/spendguard/internal/config"
	"github.com/cynsta/spendguard/internal/ledger"
	"github.com/cynsta/spendguard/internal/orchestrate"
	"github.com/cynsta/spendguard/internal/pricing"
	"github.com/cynsta/spendguard/internal/provider"
	"github.com/cynsta/spendguard/internal/ratelimit"
	"github.com/cynsta/spendguard/internal/runlock"
	"github.com/cynsta/spendguard/internal/usage"
)

// catalogStub resolves pricing from a fixed table, like a verified catalog
// would.
type catalogStub struct {
	entries map[string]pricing.Entry
}

func (c *catalogStub) Lookup(_ context.Context, providerName, model string) (pricing.Entry, error) {
	e, ok := c.entries[providerName+"/"+model]
	if !ok {
		return pricing.Entry{}, fmt.Errorf("%w: %s/%s", pricing.ErrUnknownModel, providerName, model)
	}
	return e, nil
}

// testEnv wires a full router against an in-memory ledger and a fake
// upstream.
type testEnv struct {
	router   http.Handler
	ledger   *ledger.MemoryStore
	usage    *usage.MemoryStore
	locks    *runlock.MemoryManager
	upstream *httptest.Server
}

// upstreamResponse is what the fake provider returns: a fixed body with a
// usage object priced at exactly 150 cents under the test rates.
const upstreamResponse = `{"id":"cmpl-1","choices":[{"message":{"content":"hi"}}],` +
	`"usage":{"prompt_tokens":1,"completion_tokens":1499}}`

func newTestEnv(t *testing.T, mutate func(*RouterDeps)) *testEnv {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upstreamResponse))
	}))
	t.Cleanup(upstream.Close)

	forwarder := provider.NewForwarder(config.ProvidersConfig{
		Timeout: 5 * time.Second,
		Entries: map[string]config.ProviderConfig{
			"openai":    {BaseURL: upstream.URL, APIKey: "sk-upstream"},
			"anthropic": {BaseURL: upstream.URL, APIKey: "sk-upstream", AuthHeader: "x-api-key"},
		},
	})

	store := ledger.NewMemoryStore()
	usageStore := usage.NewMemoryStore()
	locks := runlock.NewMemoryManager()

	runner := &orchestrate.Runner{
		Locks:  locks,
		Ledger: store,
		Pricer: &catalogStub{entries: map[string]pricing.Entry{
			// 0.01 cents per input token, 0.1 cents per output token.
			"openai/gpt-test": {
				Provider: "openai", Model: "gpt-test",
				InputMicrocentsPerToken:  10_000,
				OutputMicrocentsPerToken: 100_000,
			},
			"anthropic/claude-test": {
				Provider: "anthropic", Model: "claude-test",
				InputMicrocentsPerToken:  10_000,
				OutputMicrocentsPerToken: 100_000,
			},
		}},
		Forward:          forwarder.ChatCompletions,
		Usage:            recordSync{usageStore},
		LockTTL:          5 * time.Minute,
		DefaultMaxOutput: 1990,
	}

	deps := RouterDeps{
		Ledger:          store,
		Usage:           usageStore,
		Runner:          runner,
		Limiter:         ratelimit.New(0, time.Minute),
		Mode:            config.ModeSidecar,
		DefaultProvider: "openai",
		KnownProvider:   forwarder.Known,
	}
	if mutate != nil {
		mutate(&deps)
	}

	return &testEnv{
		router:   NewRouter(deps),
		ledger:   store,
		usage:    usageStore,
		locks:    locks,
		upstream: upstream,
	}
}

// recordSync writes usage entries straight to the store so tests never race
// a background flush.
type recordSync struct {
	store usage.Store
}

func (r recordSync) Record(e usage.Entry) {
	_ = r.store.BatchInsert(context.Background(), []usage.Entry{e})
}

func (env *testEnv) do(t *testing.T, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) createAgent(t *testing.T, limitCents int64) string {
	t.Helper()
	body := fmt.Sprintf(`{"name":"worker","hard_limit_cents":%d}`, limitCents)
	rec := env.do(t, http.MethodPost, "/v1/agents", []byte(body), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create agent: status %d, body %s", rec.Code, rec.Body.String())
	}
	var agent struct {
		ID string `json:"agent_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&agent); err != nil {
		t.Fatalf("decoding agent: %v", err)
	}
	return agent.ID
}

func chatBody(model string) []byte {
	return []byte(fmt.Sprintf(
		`{"model":%q,"messages":[{"role":"user","content":"hello"}]}`, model))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q, want ok", body["status"])
	}
}

func TestEndToEndGuardedCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	// Worst case: 10 input tokens at 0.01 cents + 1990 output tokens at
	// 0.1 cents = 200 cents reserved. The upstream usage settles at 150.
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
		headerRunID:   "run-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != upstreamResponse {
		t.Fatalf("response body not passed through: %s", rec.Body.String())
	}

	budgetRec := env.do(t, http.MethodGet, "/v1/agents/"+agentID+"/budget", nil, nil)
	if budgetRec.Code != http.StatusOK {
		t.Fatalf("get budget: status %d", budgetRec.Code)
	}
	var budget struct {
		RemainingCents int64 `json:"remaining_cents"`
	}
	if err := json.NewDecoder(budgetRec.Body).Decode(&budget); err != nil {
		t.Fatalf("decoding budget: %v", err)
	}
	if budget.RemainingCents != 4850 {
		t.Fatalf("remaining = %d, want 4850 (5000 - 150 settled)", budget.RemainingCents)
	}

	usageRec := env.do(t, http.MethodGet, "/v1/agents/"+agentID+"/usage", nil, nil)
	var usageResp struct {
		Summary usage.Summary `json:"summary"`
	}
	if err := json.NewDecoder(usageRec.Body).Decode(&usageResp); err != nil {
		t.Fatalf("decoding usage: %v", err)
	}
	if usageResp.Summary.SettledCount != 1 {
		t.Fatalf("settled count = %d, want 1", usageResp.Summary.SettledCount)
	}
	if usageResp.Summary.TotalRealizedCents != 150 {
		t.Fatalf("realized = %d, want 150", usageResp.Summary.TotalRealizedCents)
	}
}

func TestPathAddressedCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	path := "/v1/agents/" + agentID + "/runs/run-9/openai/chat/completions"
	rec := env.do(t, http.MethodPost, path, chatBody("gpt-test"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestMissingAgentHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var envlp errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&envlp)
	if envlp.Error.Code != "missing_agent_id" {
		t.Fatalf("error code = %q, want missing_agent_id", envlp.Error.Code)
	}
}

func TestInsufficientBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 100) // worst case is 200 cents

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}

	budgetRec := env.do(t, http.MethodGet, "/v1/agents/"+agentID+"/budget", nil, nil)
	var budget struct {
		RemainingCents int64 `json:"remaining_cents"`
	}
	_ = json.NewDecoder(budgetRec.Body).Decode(&budget)
	if budget.RemainingCents != 100 {
		t.Fatalf("remaining = %d, rejection must not change the balance", budget.RemainingCents)
	}
}

func TestRunLockConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	if err := env.locks.Acquire(context.Background(), agentID, "other-run", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
		headerRunID:   "run-1",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var envlp errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&envlp)
	if envlp.Error.Code != "run_in_progress" {
		t.Fatalf("error code = %q, want run_in_progress", envlp.Error.Code)
	}
}

func TestUnknownModel(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-unpriced"), map[string]string{
		headerAgentID: agentID,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestUnknownProvider(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID:  agentID,
		headerProvider: "nonesuch",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestProviderInferredFromModelPrefix(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	// No provider header; the claude- prefix should route to anthropic,
	// which prices claude-test.
	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("claude-test"), map[string]string{
		headerAgentID: agentID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownAgent(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: "no-such-agent",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(deps *RouterDeps) {
		deps.Limiter = ratelimit.New(1, time.Minute)
	})
	agentID := env.createAgent(t, 5000)

	first := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
	})
	if first.Code != http.StatusOK {
		t.Fatalf("first request: status %d", first.Code)
	}

	second := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
	})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", second.Code)
	}
}

func TestHostedModeRequiresAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("sg-hosted-key")
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	env := newTestEnv(t, func(deps *RouterDeps) {
		deps.Mode = config.ModeHosted
		deps.APIKeyHash = hash
	})

	rec := env.do(t, http.MethodPost, "/v1/agents", []byte(`{"name":"a"}`), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("without key: status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/agents", []byte(`{"name":"a"}`), map[string]string{
		"X-Api-Key": "wrong-key",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: status = %d, want 401", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/v1/agents", []byte(`{"name":"a","hard_limit_cents":100}`), map[string]string{
		"X-Api-Key": "sg-hosted-key",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("correct key: status = %d, want 201", rec.Code)
	}
}

func TestCreateRunMintsID(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	rec := env.do(t, http.MethodPost, "/v1/agents/"+agentID+"/runs", nil, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp["agent_id"] != agentID {
		t.Fatalf("agent_id = %q, want %q", resp["agent_id"], agentID)
	}
	if resp["run_id"] == "" {
		t.Fatal("run_id should be minted")
	}

	rec = env.do(t, http.MethodPost, "/v1/agents/no-such-agent/runs", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent: status = %d, want 404", rec.Code)
	}
}

func TestTopUpRestoresBudget(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 100)

	rec := env.do(t, http.MethodPost, "/v1/agents/"+agentID+"/budget",
		[]byte(`{"hard_limit_cents":5000,"topup_cents":4900}`), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set budget: status %d, body %s", rec.Code, rec.Body.String())
	}
	var agent struct {
		RemainingCents int64 `json:"remaining_cents"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&agent)
	if agent.RemainingCents != 5000 {
		t.Fatalf("remaining = %d, want 5000", agent.RemainingCents)
	}
}

func TestUpstreamFailureReleasesHold(t *testing.T) {
	env := newTestEnv(t, nil)
	agentID := env.createAgent(t, 5000)

	// Kill the upstream so forwarding fails at the transport level.
	env.upstream.Close()

	rec := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody("gpt-test"), map[string]string{
		headerAgentID: agentID,
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	budgetRec := env.do(t, http.MethodGet, "/v1/agents/"+agentID+"/budget", nil, nil)
	var budget struct {
		RemainingCents int64 `json:"remaining_cents"`
	}
	_ = json.NewDecoder(budgetRec.Body).Decode(&budget)
	if budget.RemainingCents != 5000 {
		t.Fatalf("remaining = %d, failed forward must refund the hold", budget.RemainingCents)
	}
}
