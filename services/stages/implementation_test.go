package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"steward/services/cloud"
	"steward/services/pipeline"
)

type fakeVCS struct {
	existing map[string]cloud.ChangeRef
	opened   []cloud.ChangeProposal
	openErr  error
}

func vcsKey(runID string, attempt int) string {
	return fmt.Sprintf("%s#%d", runID, attempt)
}

func (f *fakeVCS) FindChange(ctx context.Context, runID string, attempt int) (cloud.ChangeRef, error) {
	if ref, ok := f.existing[vcsKey(runID, attempt)]; ok {
		return ref, nil
	}
	return cloud.ChangeRef{}, cloud.ErrChangeNotFound
}

func (f *fakeVCS) OpenChange(ctx context.Context, proposal cloud.ChangeProposal) (cloud.ChangeRef, error) {
	if f.openErr != nil {
		return cloud.ChangeRef{}, f.openErr
	}
	f.opened = append(f.opened, proposal)
	return cloud.ChangeRef{
		ID:      "chg-1",
		RunID:   proposal.RunID,
		Attempt: proposal.Attempt,
		Branch:  "steward/" + proposal.RunID,
		URL:     "https://vcs.example.com/changes/chg-1",
		Changes: proposal.Changes,
	}, nil
}

func validImplOutput() map[string]any {
	return map[string]any{
		"summary": "Bumped the web tier replica count to 4.",
		"changes": []any{
			map[string]any{"resource_id": "web-tier", "kind": "deployment", "desired": map[string]any{"replicas": 4}},
		},
	}
}

func runWithPlan(t *testing.T) pipeline.Run {
	t.Helper()
	run := testRun(t)
	run.Outputs[pipeline.StagePlanning] = pipeline.StageOutput{
		Stage:   pipeline.StagePlanning,
		Summary: "Scale the web tier deployment from 2 to 4 replicas.",
		Impact:  pipeline.ImpactLow,
		Data: map[string]any{
			"steps": []string{"bump replicas field to 4", "wait for rollout"},
			"resources": []cloud.ResourceChange{
				{ResourceID: "web-tier", Kind: "deployment", Desired: map[string]any{"replicas": 4}},
			},
		},
	}
	return run
}

func TestImplementerOpensProposal(t *testing.T) {
	vcs := &fakeVCS{}
	impl, err := NewImplementer(&fakeEngine{out: validImplOutput()}, testTemplates(t), vcs)
	if err != nil {
		t.Fatalf("NewImplementer() error = %v", err)
	}

	out, err := impl.Execute(context.Background(), pipeline.StageInput{Run: runWithPlan(t), Attempt: 0})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(vcs.opened) != 1 {
		t.Fatalf("opened %d proposals, want 1", len(vcs.opened))
	}
	if out.Data["change_id"] != "chg-1" {
		t.Fatalf("change_id = %v, want chg-1", out.Data["change_id"])
	}
	changes, err := decodeChanges(out.Data["changes"])
	if err != nil || len(changes) != 1 {
		t.Fatalf("changes = %v (err %v), want one change", changes, err)
	}
}

func TestImplementerReusesExistingProposal(t *testing.T) {
	run := runWithPlan(t)
	vcs := &fakeVCS{existing: map[string]cloud.ChangeRef{
		vcsKey(run.ID.String(), 1): {ID: "chg-9", RunID: run.ID.String(), Attempt: 1, Changes: defaultChanges()},
	}}
	engine := &fakeEngine{out: validImplOutput()}
	impl, _ := NewImplementer(engine, testTemplates(t), vcs)

	out, err := impl.Execute(context.Background(), pipeline.StageInput{Run: run, Attempt: 1})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Data["change_id"] != "chg-9" {
		t.Fatalf("change_id = %v, want reused chg-9", out.Data["change_id"])
	}
	changes, cerr := decodeChanges(out.Data["changes"])
	if cerr != nil || len(changes) != 1 || changes[0].ResourceID != "web-tier" {
		t.Fatalf("reused output changes = %v (err %v), want the proposal's change set", changes, cerr)
	}
	if len(engine.prompts) != 0 {
		t.Fatal("reasoning engine consulted despite existing proposal")
	}
	if len(vcs.opened) != 0 {
		t.Fatal("duplicate proposal opened")
	}
}

func TestImplementerRetryIncludesFindings(t *testing.T) {
	vcs := &fakeVCS{}
	engine := &fakeEngine{out: validImplOutput()}
	impl, _ := NewImplementer(engine, testTemplates(t), vcs)

	findings := []pipeline.Finding{{Source: "compliance", Code: "POL-3", Detail: "missing rollback step", Blocking: true}}
	_, err := impl.Execute(context.Background(), pipeline.StageInput{Run: runWithPlan(t), Attempt: 1, Findings: findings})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(engine.prompts) != 1 {
		t.Fatalf("engine invoked %d times, want 1", len(engine.prompts))
	}
	if want := "missing rollback step"; !strings.Contains(engine.prompts[0], want) {
		t.Fatalf("retry prompt does not carry reviewer finding %q", want)
	}
}

func TestImplementerNoChangesIsInvalid(t *testing.T) {
	out := validImplOutput()
	out["changes"] = []any{}
	impl, _ := NewImplementer(&fakeEngine{out: out}, testTemplates(t), &fakeVCS{})

	_, err := impl.Execute(context.Background(), pipeline.StageInput{Run: runWithPlan(t)})
	stageErr := requireStageError(t, err)
	if stageErr.Kind != pipeline.StageInvalidOutput {
		t.Fatalf("kind = %s, want %s", stageErr.Kind, pipeline.StageInvalidOutput)
	}
}

func TestImplementerVCSFailureIsExternal(t *testing.T) {
	vcs := &fakeVCS{openErr: errors.New("vcs unavailable")}
	impl, _ := NewImplementer(&fakeEngine{out: validImplOutput()}, testTemplates(t), vcs)

	_, err := impl.Execute(context.Background(), pipeline.StageInput{Run: runWithPlan(t)})
	stageErr := requireStageError(t, err)
	if stageErr.Kind != pipeline.StageExternalFailure {
		t.Fatalf("kind = %s, want %s", stageErr.Kind, pipeline.StageExternalFailure)
	}
}

func TestTruncateTitleKeepsRunesIntact(t *testing.T) {
	long := strings.Repeat("ü", 100)
	got := truncateTitle(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated title is not valid UTF-8: %q", got)
	}
	if want := strings.Repeat("ü", 69) + "..."; got != want {
		t.Fatalf("truncateTitle = %q, want %q", got, want)
	}
	if short := "restart the cache"; truncateTitle(short) != short {
		t.Fatal("short titles must pass through unchanged")
	}
}

func TestImplementerMissingPlan(t *testing.T) {
	impl, _ := NewImplementer(&fakeEngine{out: validImplOutput()}, testTemplates(t), &fakeVCS{})

	_, err := impl.Execute(context.Background(), pipeline.StageInput{Run: testRun(t)})
	stageErr := requireStageError(t, err)
	if stageErr.Kind != pipeline.StageInvalidOutput {
		t.Fatalf("kind = %s, want %s", stageErr.Kind, pipeline.StageInvalidOutput)
	}
}
