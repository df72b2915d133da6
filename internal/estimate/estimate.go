// Package estimate computes the worst-case cost of a chat completion before
// it is forwarded. Estimates must be conservative: the eventual actual cost
// can never exceed the estimate when the catalog rates are correct.
package estimate

import (
	"encoding/json"
	"fmt"

	"github.com/cynsta/spendguard/internal/pricing"
)

// Token estimation constants. Roughly four characters per token plus
// per-message and per-request formatting overhead; the generous overheads
// keep the estimate on the high side.
const (
	charsPerToken      = 4
	perMessageOverhead = 4
	requestOverhead    = 3
)

// Shape is the cost-relevant slice of an inbound request.
type Shape struct {
	Provider        string
	Model           string
	InputChars      int
	MaxOutputTokens int64
	Stream          bool
}

type chatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

type chatRequest struct {
	Model           string          `json:"model"`
	Messages        []chatMessage   `json:"messages"`
	Input           json.RawMessage `json:"input,omitempty"`
	MaxTokens       int64           `json:"max_tokens,omitempty"`
	MaxOutputTokens int64           `json:"max_output_tokens,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
}

// ShapeFromBody extracts the request shape from a chat-completions JSON body.
// defaultMaxOutput caps the assumed completion size when the client sends no
// explicit limit.
func ShapeFromBody(body []byte, defaultMaxOutput int64) (Shape, error) {
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Shape{}, fmt.Errorf("parsing request body: %w", err)
	}
	if req.Model == "" {
		return Shape{}, fmt.Errorf("request body missing model")
	}

	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Name) + contentChars(m.Content)
	}
	chars += contentChars(req.Input)

	maxOut := req.MaxTokens
	if req.MaxOutputTokens > 0 {
		maxOut = req.MaxOutputTokens
	}
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}

	messages := int64(len(req.Messages))
	if messages == 0 {
		messages = 1
	}

	return Shape{
		Model:           req.Model,
		InputChars:      chars + int(messages), // at least one unit per message
		MaxOutputTokens: maxOut,
		Stream:          req.Stream,
	}, nil
}

// contentChars counts the text weight of a message content value, which may
// be a plain string or a structured part list.
func contentChars(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return len(s)
	}
	// Structured content: count the raw JSON, which overshoots the text and
	// keeps the estimate conservative.
	return len(raw)
}

// InputTokens converts the input character count to a conservative token
// count.
func (s Shape) InputTokens() int64 {
	tokens := int64(s.InputChars+charsPerToken-1) / charsPerToken
	return tokens + perMessageOverhead + requestOverhead
}

// WorstCase computes wcec_cents: the ceiling of the maximum spend this
// request can incur at the catalog's rates.
func WorstCase(shape Shape, entry pricing.Entry) int64 {
	microcents := shape.InputTokens()*entry.InputMicrocentsPerToken +
		shape.MaxOutputTokens*entry.OutputMicrocentsPerToken
	return ceilCents(microcents)
}

// Actual computes the realized cost from provider-reported token usage,
// rounded up to whole cents.
func Actual(promptTokens, completionTokens int64, entry pricing.Entry) int64 {
	microcents := promptTokens*entry.InputMicrocentsPerToken +
		completionTokens*entry.OutputMicrocentsPerToken
	return ceilCents(microcents)
}

// ceilCents converts microcents to cents, rounding up.
func ceilCents(microcents int64) int64 {
	const microcentsPerCent = 1_000_000
	if microcents <= 0 {
		return 0
	}
	return (microcents + microcentsPerCent - 1) / microcentsPerCent
}
