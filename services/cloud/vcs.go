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

// ChangeRef identifies a change proposal on the version-control host. The
// host echoes the proposal's change list back on lookup, so a crash-recovery
// reuse of the proposal recovers the exact changes it was opened with.
type ChangeRef struct {
	ID      string           `json:"id"`
	RunID   string           `json:"run_id"`
	Attempt int              `json:"attempt"`
	Branch  string           `json:"branch"`
	URL     string           `json:"url"`
	Changes []ResourceChange `json:"changes,omitempty"`
}

// ChangeProposal is the payload for opening a change proposal.
type ChangeProposal struct {
	RunID       string           `json:"run_id"`
	Attempt     int              `json:"attempt"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Changes     []ResourceChange `json:"changes"`
}

// ErrChangeNotFound is returned by FindChange when no proposal exists for
// the run and attempt.
var ErrChangeNotFound = errors.New("cloud: change not found")

// VCS is the version-control host boundary. FindChange makes the
// implementation stage idempotent: a crash between opening a proposal and
// committing the transition never produces a duplicate.
type VCS interface {
	FindChange(ctx context.Context, runID string, attempt int) (ChangeRef, error)
	OpenChange(ctx context.Context, proposal ChangeProposal) (ChangeRef, error)
}

// HTTPVCS talks to the version-control host API over HTTP.
type HTTPVCS struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPVCS creates a VCS adapter for the given base URL.
func NewHTTPVCS(baseURL, token string) (*HTTPVCS, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("vcs base URL is required")
	}
	return &HTTPVCS{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// FindChange looks up an existing proposal for the run attempt.
func (v *HTTPVCS) FindChange(ctx context.Context, runID string, attempt int) (ChangeRef, error) {
	if v == nil {
		return ChangeRef{}, errors.New("nil vcs")
	}

	var refs []ChangeRef
	path := fmt.Sprintf("/v1/changes?run_id=%s&attempt=%d", url.QueryEscape(runID), attempt)
	if err := v.doJSON(ctx, http.MethodGet, path, nil, &refs); err != nil {
		return ChangeRef{}, err
	}
	if len(refs) == 0 {
		return ChangeRef{}, ErrChangeNotFound
	}
	return refs[0], nil
}

// OpenChange opens a new change proposal.
func (v *HTTPVCS) OpenChange(ctx context.Context, proposal ChangeProposal) (ChangeRef, error) {
	if v == nil {
		return ChangeRef{}, errors.New("nil vcs")
	}
	if proposal.RunID == "" {
		return ChangeRef{}, errors.New("proposal run id is required")
	}

	var ref ChangeRef
	if err := v.doJSON(ctx, http.MethodPost, "/v1/changes", proposal, &ref); err != nil {
		return ChangeRef{}, err
	}
	return ref, nil
}

func (v *HTTPVCS) doJSON(ctx context.Context, method, path string, payload, dest any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vcs %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vcs %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
