package analyzer

import (
	"context"
	"fmt"

	"github.com/notnil/chess"
)

// PositionResult is the engine's view of a single position
type PositionResult struct {
	FEN         string `json:"fen"`
	Evaluation  int    `json:"evaluation"` // white's view, mate encoded
	BestMoveUCI string `json:"best_move"`
	BestMoveSAN string `json:"best_move_san"`
	MateIn      *int   `json:"mate_in"` // positive when white mates
	Depth       int    `json:"depth"`
}

// AnalyzePosition evaluates one FEN
func (a *Analyzer) AnalyzePosition(ctx context.Context, ev Evaluator, fen string) (*PositionResult, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	pos := chess.NewGame(opt).Position()
	whiteToMove := pos.Turn() == chess.White

	result := &PositionResult{FEN: pos.String()}
	switch pos.Status() {
	case chess.Checkmate:
		result.Evaluation = whitePerspective(EncodeMate(0), whiteToMove)
		zero := 0
		result.MateIn = &zero
		return result, nil
	case chess.Stalemate:
		return result, nil
	}

	res, err := ev.Evaluate(ctx, result.FEN)
	if err != nil {
		return nil, err
	}

	result.Evaluation = whitePerspective(Centipawns(res), whiteToMove)
	result.BestMoveUCI = res.BestMove
	result.BestMoveSAN = uciToSAN(pos, res.BestMove)
	result.Depth = res.Depth
	if res.Mate {
		n := whitePerspective(res.Score, whiteToMove)
		result.MateIn = &n
	}
	return result, nil
}
