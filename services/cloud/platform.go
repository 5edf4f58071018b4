package cloud

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
)

// ResourceState is the authoritative state of one platform resource as
// reported by the system of record.
type ResourceState struct {
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	Status     string         `json:"status"`
	Observed   map[string]any `json:"observed"`
}

// ResourceChange is one desired mutation within a change set.
type ResourceChange struct {
	ResourceID string         `json:"resource_id"`
	Kind       string         `json:"kind"`
	Desired    map[string]any `json:"desired"`
}

// ChangeSet groups the resource changes applied for one run.
type ChangeSet struct {
	RunID       string           `json:"run_id"`
	Environment string           `json:"environment"`
	Changes     []ResourceChange `json:"changes"`
}

// ActionRef identifies an apply operation accepted by the platform.
type ActionRef struct {
	ID     string `json:"id"`
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ErrActionNotFound is returned by FindAction when the platform has no
// record of an apply for the given run.
var ErrActionNotFound = errors.New("cloud: action not found")

// Platform is the system-of-record boundary for the managed cloud platform.
// Describe reads are authoritative: deployment success is only ever derived
// from them, never from an apply response alone.
type Platform interface {
	Describe(ctx context.Context, resourceID string) (ResourceState, error)
	Apply(ctx context.Context, change ChangeSet) (ActionRef, error)
	// FindAction reports a previously accepted apply for runID, enabling
	// idempotent re-invocation after a crash. Returns ErrActionNotFound
	// when no apply has been issued for the run.
	FindAction(ctx context.Context, runID string) (ActionRef, error)
}

// HTTPPlatform talks to the platform control API over HTTP.
type HTTPPlatform struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPPlatform creates a platform adapter for the given base URL.
func NewHTTPPlatform(baseURL, token string) (*HTTPPlatform, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("platform base URL is required")
	}
	return &HTTPPlatform{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Describe reads the live state of a resource.
func (p *HTTPPlatform) Describe(ctx context.Context, resourceID string) (ResourceState, error) {
	if p == nil {
		return ResourceState{}, errors.New("nil platform")
	}
	if strings.TrimSpace(resourceID) == "" {
		return ResourceState{}, errors.New("resource id is required")
	}

	var state ResourceState
	path := fmt.Sprintf("/v1/resources/%s", url.PathEscape(resourceID))
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &state); err != nil {
		return ResourceState{}, err
	}
	return state, nil
}

// Apply submits a change set to the platform.
func (p *HTTPPlatform) Apply(ctx context.Context, change ChangeSet) (ActionRef, error) {
	if p == nil {
		return ActionRef{}, errors.New("nil platform")
	}
	if change.RunID == "" {
		return ActionRef{}, errors.New("change set run id is required")
	}
	if len(change.Changes) == 0 {
		return ActionRef{}, errors.New("change set is empty")
	}

	var ref ActionRef
	if err := p.doJSON(ctx, http.MethodPost, "/v1/actions", change, &ref); err != nil {
		return ActionRef{}, err
	}
	return ref, nil
}

// FindAction looks up an existing apply for the run.
func (p *HTTPPlatform) FindAction(ctx context.Context, runID string) (ActionRef, error) {
	if p == nil {
		return ActionRef{}, errors.New("nil platform")
	}

	var refs []ActionRef
	path := fmt.Sprintf("/v1/actions?run_id=%s", url.QueryEscape(runID))
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &refs); err != nil {
		return ActionRef{}, err
	}
	if len(refs) == 0 {
		return ActionRef{}, ErrActionNotFound
	}
	return refs[0], nil
}

// Estimate prices a change set through the platform's cost API, returning
// the estimated monthly delta in account currency.
func (p *HTTPPlatform) Estimate(ctx context.Context, changes []ResourceChange) (float64, error) {
	if p == nil {
		return 0, errors.New("nil platform")
	}
	if len(changes) == 0 {
		return 0, nil
	}

	var estimate struct {
		MonthlyDelta float64 `json:"monthly_delta"`
	}
	payload := map[string]any{"changes": changes}
	if err := p.doJSON(ctx, http.MethodPost, "/v1/cost-estimates", payload, &estimate); err != nil {
		return 0, err
	}
	return estimate.MonthlyDelta, nil
}

func (p *HTTPPlatform) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("platform %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
