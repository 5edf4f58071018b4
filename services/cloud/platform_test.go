package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPlatformEstimate(t *testing.T) {
	var gotChanges []ResourceChange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cost-estimates" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s, want POST /v1/cost-estimates", r.Method, r.URL.Path)
		}
		var body struct {
			Changes []ResourceChange `json:"changes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotChanges = body.Changes
		json.NewEncoder(w).Encode(map[string]any{"monthly_delta": 42.5})
	}))
	t.Cleanup(server.Close)

	platform, err := NewHTTPPlatform(server.URL, "")
	if err != nil {
		t.Fatalf("NewHTTPPlatform() error = %v", err)
	}

	changes := []ResourceChange{{ResourceID: "web-tier", Kind: "deployment", Desired: map[string]any{"replicas": 4}}}
	estimate, err := platform.Estimate(context.Background(), changes)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if estimate != 42.5 {
		t.Fatalf("estimate = %v, want 42.5", estimate)
	}
	if len(gotChanges) != 1 || gotChanges[0].ResourceID != "web-tier" {
		t.Fatalf("platform received %v, want the change set", gotChanges)
	}
}

func TestHTTPPlatformEstimateEmptyChangeSet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("platform should not be called for an empty change set")
	}))
	t.Cleanup(server.Close)

	platform, _ := NewHTTPPlatform(server.URL, "")
	estimate, err := platform.Estimate(context.Background(), nil)
	if err != nil || estimate != 0 {
		t.Fatalf("Estimate() = %v, %v; want 0, nil", estimate, err)
	}
}

func TestHTTPVCSFindChangeCarriesChanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]ChangeRef{{
			ID:      "chg-9",
			RunID:   r.URL.Query().Get("run_id"),
			Changes: []ResourceChange{{ResourceID: "web-tier", Kind: "deployment", Desired: map[string]any{"replicas": 4}}},
		}})
	}))
	t.Cleanup(server.Close)

	vcs, err := NewHTTPVCS(server.URL, "")
	if err != nil {
		t.Fatalf("NewHTTPVCS() error = %v", err)
	}

	ref, err := vcs.FindChange(context.Background(), "run-1", 0)
	if err != nil {
		t.Fatalf("FindChange() error = %v", err)
	}
	if ref.ID != "chg-9" {
		t.Fatalf("id = %q, want chg-9", ref.ID)
	}
	if len(ref.Changes) != 1 || ref.Changes[0].ResourceID != "web-tier" {
		t.Fatalf("changes = %v, want the proposal's change set echoed back", ref.Changes)
	}
}
