// Package ctl implements the stewardctl command line client for the
// steward HTTP API.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"steward/services/intent"
	"steward/services/pipeline"
)

// RequestResult is the outcome of submitting operator text. Reply is set
// for query and conversation intents, Run for change intents.
type RequestResult struct {
	Intent intent.Intent `json:"intent"`
	Reply  string        `json:"reply,omitempty"`
	Run    *pipeline.Run `json:"run,omitempty"`
}

// Client talks to a stewardd instance.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL, token string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base URL is required")
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SubmitRequest sends operator text for classification and, for change
// intents, starts a pipeline run.
func (c *Client) SubmitRequest(ctx context.Context, text, environment string, dryRun bool) (RequestResult, error) {
	payload := map[string]any{
		"text":        text,
		"environment": environment,
		"dry_run":     dryRun,
	}
	var result RequestResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/requests", payload, &result); err != nil {
		return RequestResult{}, err
	}
	return result, nil
}

// GetRun fetches a single run by id.
func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (pipeline.Run, error) {
	var run pipeline.Run
	if err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+id.String(), nil, &run); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

// ListRuns lists runs, optionally filtered by state.
func (c *Client) ListRuns(ctx context.Context, state string) ([]pipeline.Run, error) {
	path := "/v1/runs"
	if state != "" {
		path += "?state=" + url.QueryEscape(state)
	}
	var body struct {
		Runs []pipeline.Run `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// ResolveGate records an approval decision for a gated run.
func (c *Client) ResolveGate(ctx context.Context, id uuid.UUID, gate string, approved bool, actor, note string) (pipeline.Run, error) {
	payload := map[string]any{
		"gate":     gate,
		"approved": approved,
		"actor":    actor,
	}
	if note != "" {
		payload["note"] = note
	}
	var run pipeline.Run
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+id.String()+"/approvals", payload, &run); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

// CancelRun requests run cancellation. A run suspended at a gate stops
// immediately; a run with a stage in flight stops before the next stage.
func (c *Client) CancelRun(ctx context.Context, id uuid.UUID, reason string) (pipeline.Run, error) {
	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	var run pipeline.Run
	if err := c.doJSON(ctx, http.MethodPost, "/v1/runs/"+id.String()+"/cancel", payload, &run); err != nil {
		return pipeline.Run{}, err
	}
	return run, nil
}

// WaitForTerminal polls the run until it reaches a terminal state or the
// context is cancelled.
func (c *Client) WaitForTerminal(ctx context.Context, id uuid.UUID, interval time.Duration) (pipeline.Run, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return pipeline.Run{}, err
		}
		if run.State.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("api %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
