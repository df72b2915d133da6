package provider

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// usagePayload matches both the OpenAI and the Anthropic usage shapes.
type usagePayload struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
	} `json:"usage"`
}

// parseUsage extracts token usage from a complete response body.
func parseUsage(body []byte) (Usage, bool) {
	var p usagePayload
	if err := json.Unmarshal(body, &p); err != nil || p.Usage == nil {
		return Usage{}, false
	}
	return normalizeUsage(p), true
}

func normalizeUsage(p usagePayload) Usage {
	u := Usage{
		PromptTokens:     p.Usage.PromptTokens,
		CompletionTokens: p.Usage.CompletionTokens,
	}
	if u.PromptTokens == 0 {
		u.PromptTokens = p.Usage.InputTokens
	}
	if u.CompletionTokens == 0 {
		u.CompletionTokens = p.Usage.OutputTokens
	}
	return u
}

// copyEventStream tees an SSE response through to the client while scanning
// each data chunk for a usage object. Providers report usage on the final
// chunk (OpenAI with stream_options.include_usage) or on delta events
// (Anthropic message_delta), so later chunks overwrite earlier partials.
func copyEventStream(w io.Writer, r io.Reader) (Usage, bool, error) {
	flusher, _ := w.(http.Flusher)

	var usage Usage
	found := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return usage, found, err
		}
		if flusher != nil {
			flusher.Flush()
		}

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var p usagePayload
		if err := json.Unmarshal([]byte(data), &p); err != nil || p.Usage == nil {
			continue
		}
		chunk := normalizeUsage(p)
		if chunk.PromptTokens > 0 {
			usage.PromptTokens = chunk.PromptTokens
		}
		if chunk.CompletionTokens > 0 {
			usage.CompletionTokens = chunk.CompletionTokens
		}
		found = true
	}
	if err := scanner.Err(); err != nil {
		return usage, found, err
	}
	return usage, found, nil
}
