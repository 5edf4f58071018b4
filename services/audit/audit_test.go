package audit

import "testing"

func TestActionFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"steward.runs.started", "run_started"},
		{"steward.runs.awaiting_approval", "run_awaiting_approval"},
		{"steward.runs.finished", "run_finished"},
		{"steward.machines.enrolled", "run_event"},
		{"", "run_event"},
	}

	for _, tt := range tests {
		if got := actionFromSubject(tt.subject); got != tt.want {
			t.Fatalf("actionFromSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}
