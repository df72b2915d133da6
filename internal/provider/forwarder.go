// Package provider forwards chat-completion requests to upstream
// model-inference providers and extracts the token usage needed for
// settlement.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cynsta/spendguard/internal/config"
)

// ErrUnknownProvider is returned when no upstream is configured for the
// requested provider name.
var ErrUnknownProvider = errors.New("unknown provider")

// Usage is the provider-reported token consumption for one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// Outcome describes a completed upstream call. UsageFound is false when the
// provider returned no usage object; callers must then settle conservatively.
type Outcome struct {
	StatusCode int
	Usage      Usage
	UsageFound bool
	LatencyMs  int64
}

// Forwarder sends requests to configured upstream providers.
type Forwarder struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
}

// NewForwarder creates a forwarder from the provider configuration. The
// timeout bounds every upstream call.
func NewForwarder(cfg config.ProvidersConfig) *Forwarder {
	return &Forwarder{
		providers: cfg.Entries,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// Known reports whether a provider name has an upstream configured.
func (f *Forwarder) Known(name string) bool {
	_, ok := f.providers[name]
	return ok
}

// headers never copied to the upstream request.
var skipHeaders = map[string]bool{
	"Authorization":  true,
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
	"X-Api-Key":      true,
}

// ChatCompletions forwards the raw body to the provider's chat completions
// endpoint, copies the response through to w, and returns the call outcome.
// Streaming responses are passed through chunk by chunk while the usage
// object is captured in flight, so the actual cost is resolved by the time
// this returns.
func (f *Forwarder) ChatCompletions(ctx context.Context, providerName string, inHeader http.Header, body []byte, w http.ResponseWriter) (*Outcome, error) {
	pc, ok := f.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}

	target := strings.TrimRight(pc.BaseURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for key, values := range inHeader {
		if skipHeaders[key] || strings.HasPrefix(key, "X-Cynsta-") {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if pc.APIKey != "" {
		if pc.AuthHeader != "" {
			req.Header.Set(pc.AuthHeader, pc.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+pc.APIKey)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", providerName, err)
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	out := &Outcome{StatusCode: resp.StatusCode}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		usage, found, err := copyEventStream(w, resp.Body)
		out.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			return out, fmt.Errorf("streaming upstream response: %w", err)
		}
		out.Usage, out.UsageFound = usage, found
		return out, nil
	}

	payload, err := io.ReadAll(resp.Body)
	out.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		return out, fmt.Errorf("reading upstream response: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return out, fmt.Errorf("writing response: %w", err)
	}

	out.Usage, out.UsageFound = parseUsage(payload)
	return out, nil
}

// ClassifyError categorizes an upstream transport error for metrics.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
