package domain

import (
	"testing"
)

func TestJobStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from JobStatus
		to   JobStatus
		want bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobCancelled, true},
		{JobPending, JobCompleted, false},
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobCancelled, true},
		{JobProcessing, JobPending, false},
		{JobCompleted, JobProcessing, false},
		{JobCancelled, JobCompleted, false},
		{JobFailed, JobFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	for _, s := range []JobStatus{JobPending, JobProcessing} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
}

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		analyzed, total, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 66},
		{3, 3, 100},
		{0, 0, 100},
	}
	for _, tt := range tests {
		if got := ComputeProgress(tt.analyzed, tt.total); got != tt.want {
			t.Errorf("ComputeProgress(%d, %d) = %d, want %d", tt.analyzed, tt.total, got, tt.want)
		}
	}
}

func TestAnalysisState_Dispatchable(t *testing.T) {
	if !StateUnanalyzed.Dispatchable() || !StateFailed.Dispatchable() {
		t.Error("unanalyzed and failed games should be dispatchable")
	}
	if StateInProgress.Dispatchable() || StateAnalyzed.Dispatchable() {
		t.Error("in_progress and analyzed games should not be dispatchable")
	}
	if AnalysisState("bogus").Valid() {
		t.Error("unknown state should not be valid")
	}
}

func TestParseColor(t *testing.T) {
	if c, ok := ParseColor("b"); !ok || c != Black {
		t.Errorf("ParseColor(b) = %q, %v, want black", c, ok)
	}
	if _, ok := ParseColor("green"); ok {
		t.Error("ParseColor(green) should fail")
	}
}

func TestSplitMoves(t *testing.T) {
	g := Game{Moves: SplitMoves("e4  e5\tNf3")}
	if len(g.Moves) != 3 {
		t.Fatalf("len = %d, want 3", len(g.Moves))
	}
	if got := g.MoveText(); got != "e4 e5 Nf3" {
		t.Errorf("MoveText() = %q, want %q", got, "e4 e5 Nf3")
	}
}
