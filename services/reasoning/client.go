package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// Client is an OpenAI-compatible chat-completions client used as the
// reasoning engine behind the pipeline stages. The orchestration core only
// ever sees the validated structured output, never the raw completion text.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClientFromEnv creates a Client from environment variables.
//
// Required:
//   - LLM_BASE_URL: base URL of the chat-completions endpoint.
//   - LLM_MODEL: model identifier.
//
// Optional:
//   - LLM_API_KEY: bearer token (omitted from requests when empty).
//   - LLM_TIMEOUT_SECONDS: per-call HTTP timeout (default 120).
func NewClientFromEnv() (*Client, error) {
	baseURL := normalizeBaseURL(os.Getenv("LLM_BASE_URL"))
	model := strings.TrimSpace(os.Getenv("LLM_MODEL"))

	if baseURL == "" {
		return nil, errors.New("LLM_BASE_URL is required")
	}
	if model == "" {
		return nil, errors.New("LLM_MODEL is required")
	}

	timeout := defaultTimeout
	if v := strings.TrimSpace(os.Getenv("LLM_TIMEOUT_SECONDS")); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err != nil || secs <= 0 {
			return nil, fmt.Errorf("invalid LLM_TIMEOUT_SECONDS: %q", v)
		}
		timeout = time.Duration(secs) * time.Second
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     os.Getenv("LLM_API_KEY"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// normalizeBaseURL strips trailing slashes and a trailing "/chat/completions"
// suffix so the path is never doubled when the client appends it itself.
func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(strings.TrimSpace(raw), "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []chatMsg `json:"messages"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Invoke sends the system prompt plus the JSON-encoded context variables to
// the reasoning engine and returns the decoded structured output, validated
// against schema. Free-text reasoning never escapes this boundary.
func (c *Client) Invoke(ctx context.Context, systemPrompt string, schema Schema, vars map[string]any) (map[string]any, error) {
	if c == nil {
		return nil, errors.New("nil client")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return nil, errors.New("system prompt is required")
	}
	if vars == nil {
		vars = map[string]any{}
	}

	userContent, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode context vars: %w", err)
	}

	reqBody, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reasoning call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read reasoning response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reasoning endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode reasoning response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New("reasoning response contained no choices")
	}

	out, err := decodeStructured(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := schema.Validate(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return out, nil
}

// decodeStructured parses the completion content as a JSON object, tolerating
// a markdown code fence around it. Anything else is a structural error.
func decodeStructured(content string) (map[string]any, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, fmt.Errorf("structured output is not a JSON object: %w", err)
	}
	return out, nil
}

// truncate shortens s to n runes, never splitting a multi-byte character.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
