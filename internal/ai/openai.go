package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"
)

// Chat completion request/response structures of the OpenAI-compatible
// endpoint. Optional fields are pointers or omitempty so unset values never
// reach the wire.
type chatRequest struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Referrer        string    `json:"referrer,omitempty"`
	Seed            *int64    `json:"seed,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	MaxTokens       *int      `json:"max_tokens,omitempty"`
	TopP            *float64  `json:"top_p,omitempty"`
	ReasoningEffort string    `json:"reasoning_effort,omitempty"`
	Private         bool      `json:"private"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
	Seed json.RawMessage `json:"seed,omitempty"`
}

// completion is the decoded, validated result of one attempt.
type completion struct {
	content          string
	completionTokens int
	seed             *int64
}

func (g *Gateway) newRequest(model string, messages []Message, seed *int64, opts Options) *chatRequest {
	req := &chatRequest{
		Model:           model,
		Messages:        messages,
		Referrer:        g.referrer,
		Seed:            seed,
		Temperature:     opts.Temperature,
		TopP:            opts.TopP,
		ReasoningEffort: opts.ReasoningEffort,
		Private:         g.private,
	}
	if opts.MaxTokens > 0 {
		mt := opts.MaxTokens
		req.MaxTokens = &mt
	}
	return req
}

// makeRequest performs a single HTTP attempt and classifies its failure.
func (g *Gateway) makeRequest(ctx context.Context, req *chatRequest) (*completion, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, &APIError{Message: "failed to marshal request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, &APIError{Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.token))
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: "read response", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &NetworkError{Op: "request", StatusCode: resp.StatusCode, Err: ErrRateLimited}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, truncate(string(body), 500)),
		}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: "failed to unmarshal response", Err: err}
	}
	return decodeCompletion(&chatResp)
}

func decodeCompletion(resp *chatResponse) (*completion, error) {
	if len(resp.Choices) == 0 {
		return nil, &APIError{Message: "response has no choices", Err: ErrInvalidContent}
	}
	raw := resp.Choices[0].Message.Content
	var content string
	if len(raw) == 0 || string(raw) == "null" || json.Unmarshal(raw, &content) != nil {
		return nil, &APIError{Message: "response content is missing or not a string", Err: ErrInvalidContent}
	}

	c := &completion{content: content, seed: parseSeed(resp.Seed)}
	if resp.Usage != nil {
		c.completionTokens = resp.Usage.CompletionTokens
	}
	return c, nil
}

// parseSeed accepts the seed echo as a JSON number or numeric string.
func parseSeed(raw json.RawMessage) *int64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		n = json.Number(s)
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
