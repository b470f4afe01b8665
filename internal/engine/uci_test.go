package engine

import (
	"testing"

	"github.com/freeeve/uci"
)

func TestParseResults(t *testing.T) {
	tests := []struct {
		name string
		res  *uci.Results
		want Evaluation
	}{
		{
			name: "highest depth wins",
			res: &uci.Results{
				BestMove: "e2e4",
				Results: []uci.ScoreResult{
					{Depth: 10, Score: 30},
					{Depth: 12, Score: 25},
				},
			},
			want: Evaluation{BestMove: "e2e4", Score: 25, Depth: 12},
		},
		{
			name: "mate score",
			res: &uci.Results{
				BestMove: "d8h4",
				Results:  []uci.ScoreResult{{Depth: 5, Score: 1, Mate: true}},
			},
			want: Evaluation{BestMove: "d8h4", Score: 1, Mate: true, Depth: 5},
		},
		{
			name: "none best move",
			res: &uci.Results{
				BestMove: "(none)",
				Results:  []uci.ScoreResult{{Depth: 1, Score: 0, Mate: true}},
			},
			want: Evaluation{Score: 0, Mate: true, Depth: 1},
		},
		{
			name: "best move from pv",
			res: &uci.Results{
				Results: []uci.ScoreResult{{Depth: 3, Score: -40, BestMoves: []string{"g1f3", "b8c6"}}},
			},
			want: Evaluation{BestMove: "g1f3", Score: -40, Depth: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResults(tt.res)
			if err != nil {
				t.Fatalf("parseResults() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseResults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseResults_Empty(t *testing.T) {
	for _, res := range []*uci.Results{nil, {BestMove: "e2e4"}} {
		_, err := parseResults(res)
		if !IsFault(err) {
			t.Errorf("parseResults(%+v) error = %v, want engine fault", res, err)
		}
	}
}

func TestIsFault(t *testing.T) {
	if !IsFault(faultf("timeout after %s", "1s")) {
		t.Error("faultf should produce an engine fault")
	}
	if IsFault(nil) {
		t.Error("nil is not a fault")
	}
}
