package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"steward/services/intent"
	"steward/services/pipeline"
)

type fakePipeline struct {
	runs       map[uuid.UUID]pipeline.Run
	submitted  []string
	resolveErr error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{runs: make(map[uuid.UUID]pipeline.Run)}
}

func (f *fakePipeline) Submit(ctx context.Context, request string, env pipeline.Environment, dryRun bool) (pipeline.Run, error) {
	run := pipeline.NewRun(request, env, dryRun, pipeline.DefaultMaxRetries, time.Now())
	f.runs[run.ID] = run
	f.submitted = append(f.submitted, request)
	return run, nil
}

func (f *fakePipeline) Resolve(ctx context.Context, id uuid.UUID, d pipeline.Decision) (pipeline.Run, error) {
	if f.resolveErr != nil {
		return pipeline.Run{}, f.resolveErr
	}
	run, ok := f.runs[id]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	run.State = pipeline.StateImplementation
	return run, nil
}

func (f *fakePipeline) Cancel(ctx context.Context, id uuid.UUID, reason string) (pipeline.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	run.State = pipeline.StateFailed
	run.Error = reason
	return run, nil
}

func (f *fakePipeline) Get(ctx context.Context, id uuid.UUID) (pipeline.Run, error) {
	run, ok := f.runs[id]
	if !ok {
		return pipeline.Run{}, pipeline.ErrRunNotFound
	}
	return run, nil
}

func (f *fakePipeline) List(ctx context.Context) ([]pipeline.Run, error) {
	out := make([]pipeline.Run, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out, nil
}

type fakeResponder struct {
	reply string
}

func (f fakeResponder) Respond(ctx context.Context, in intent.Intent, request string) (string, error) {
	return f.reply, nil
}

func newTestServer(t *testing.T, p Pipeline) *httptest.Server {
	t.Helper()
	server, err := NewServer(ServerConfig{
		Pipeline:   p,
		Classifier: intent.NewClassifier(nil, nil, nil),
		Responder:  fakeResponder{reply: "the api gateway is healthy"},
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(server.Router(RouterOptions{}))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestRequestIntakeChange(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	resp := postJSON(t, ts.URL+"/v1/requests", map[string]any{
		"text":        "scale the web tier to 4 replicas",
		"environment": "dev",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	out := decodeBody[requestResponse](t, resp)
	if out.Intent != intent.IntentChange {
		t.Fatalf("intent = %s, want %s", out.Intent, intent.IntentChange)
	}
	if out.Run == nil || out.Run.State != pipeline.StateOrchestrator {
		t.Fatalf("run = %+v, want a new orchestrator-state run", out.Run)
	}
	if len(fake.submitted) != 1 {
		t.Fatalf("submitted %d runs, want 1", len(fake.submitted))
	}
}

func TestRequestIntakeQuery(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	resp := postJSON(t, ts.URL+"/v1/requests", map[string]any{
		"text": "what is the status of the api gateway",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	out := decodeBody[requestResponse](t, resp)
	if out.Intent != intent.IntentQuery || out.Reply == "" {
		t.Fatalf("response = %+v, want query with reply", out)
	}
	if len(fake.submitted) != 0 {
		t.Fatal("query started a pipeline run")
	}
}

func TestRequestIntakeValidation(t *testing.T) {
	ts := newTestServer(t, newFakePipeline())

	t.Run("missing text", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/requests", map[string]any{"environment": "dev"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
		resp.Body.Close()
	})

	t.Run("unknown environment for change", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/requests", map[string]any{
			"text":        "restart the ingest workers",
			"environment": "staging",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
		resp.Body.Close()
	})
}

func TestApprovalEndpoint(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	run, _ := fake.Submit(context.Background(), "scale up", pipeline.EnvProd, false)

	t.Run("valid approval", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/runs/"+run.ID.String()+"/approvals", map[string]any{
			"gate":     "plan",
			"approved": true,
			"actor":    "op",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		out := decodeBody[pipeline.Run](t, resp)
		if out.State != pipeline.StateImplementation {
			t.Fatalf("state = %s, want %s", out.State, pipeline.StateImplementation)
		}
	})

	t.Run("unknown gate", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/runs/"+run.ID.String()+"/approvals", map[string]any{
			"gate":     "ship",
			"approved": true,
			"actor":    "op",
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
		resp.Body.Close()
	})

	t.Run("not pending maps to conflict", func(t *testing.T) {
		fake.resolveErr = pipeline.ErrNotPending
		defer func() { fake.resolveErr = nil }()

		resp := postJSON(t, ts.URL+"/v1/runs/"+run.ID.String()+"/approvals", map[string]any{
			"gate":     "plan",
			"approved": true,
			"actor":    "op",
		})
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
		resp.Body.Close()
	})
}

func TestCancelEndpoint(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	run, _ := fake.Submit(context.Background(), "resize cache", pipeline.EnvDev, false)

	resp := postJSON(t, ts.URL+"/v1/runs/"+run.ID.String()+"/cancel", map[string]any{"reason": "change freeze"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	out := decodeBody[pipeline.Run](t, resp)
	if out.State != pipeline.StateFailed || out.Error != "change freeze" {
		t.Fatalf("run = %+v, want cancelled run", out)
	}

	t.Run("unknown run", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/v1/runs/"+uuid.NewString()+"/cancel", map[string]any{})
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
		}
		resp.Body.Close()
	})
}

func TestGetRunEndpoint(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	run, _ := fake.Submit(context.Background(), "scale up", pipeline.EnvDev, false)

	resp, err := http.Get(ts.URL + "/v1/runs/" + run.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	out := decodeBody[pipeline.Run](t, resp)
	if out.ID != run.ID {
		t.Fatalf("run id = %s, want %s", out.ID, run.ID)
	}

	t.Run("invalid id", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/runs/not-a-uuid")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
		resp.Body.Close()
	})
}

func TestListRunsEndpoint(t *testing.T) {
	fake := newFakePipeline()
	ts := newTestServer(t, fake)

	_, _ = fake.Submit(context.Background(), "scale up", pipeline.EnvDev, false)
	_, _ = fake.Submit(context.Background(), "scale down", pipeline.EnvDev, false)

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	out := decodeBody[map[string][]pipeline.Run](t, resp)
	if len(out["runs"]) != 2 {
		t.Fatalf("listed %d runs, want 2", len(out["runs"]))
	}

	t.Run("state filter", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/v1/runs?state=succeeded")
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		out := decodeBody[map[string][]pipeline.Run](t, resp)
		if len(out["runs"]) != 0 {
			t.Fatalf("listed %d succeeded runs, want 0", len(out["runs"]))
		}
	})
}
