// Package analyzer replays a game ply by ply, asks an engine for every
// position, and grades the moves.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/notnil/chess"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
)

var (
	// ErrMalformedGame is returned when the move list cannot be replayed.
	// It is never worth retrying.
	ErrMalformedGame = errors.New("malformed game")
	// ErrInvalidPosition is returned for an unparseable FEN
	ErrInvalidPosition = errors.New("invalid position")
)

// Evaluator answers position evaluations. An engine.Engine leased from the pool satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, fen string) (engine.Evaluation, error)
}

// Analyzer grades games
type Analyzer struct {
	log zerolog.Logger
}

// New creates an Analyzer
func New(log zerolog.Logger) *Analyzer {
	return &Analyzer{log: log}
}

type ply struct {
	san    string
	move   *chess.Move
	before *chess.Position
}

// Analyze evaluates every position of the game and returns all move records
// plus the user's aggregate stats. Nothing is returned on error.
func (a *Analyzer) Analyze(ctx context.Context, ev Evaluator, moves []string, userColor domain.Color) (*domain.GameAnalysis, error) {
	start := time.Now()

	plies, positions, err := replay(moves)
	if err != nil {
		return nil, err
	}

	// One search per position, each from the side to move's view
	scores := make([]int, len(positions))
	best := make([]string, len(positions))
	for i, pos := range positions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch pos.Status() {
		case chess.Checkmate:
			scores[i] = EncodeMate(0)
			continue
		case chess.Stalemate:
			scores[i] = 0
			continue
		}
		res, err := ev.Evaluate(ctx, pos.String())
		if err != nil {
			return nil, fmt.Errorf("evaluating ply %d: %w", i, err)
		}
		scores[i] = Centipawns(res)
		best[i] = res.BestMove
	}

	records := make([]domain.MoveAnalysis, len(plies))
	for i, p := range plies {
		whiteMoved := p.before.Turn() == chess.White
		before := scores[i]
		after := -scores[i+1]

		loss := before - after
		if loss < 0 {
			loss = 0
		}

		rec := domain.MoveAnalysis{
			MoveNumber:    i/2 + 1,
			HalfMove:      i + 1,
			IsWhite:       whiteMoved,
			MoveSAN:       p.san,
			MoveUCI:       p.move.String(),
			EvalBefore:    whitePerspective(before, whiteMoved),
			EvalAfter:     whitePerspective(after, whiteMoved),
			BestMoveUCI:   best[i],
			BestMoveSAN:   uciToSAN(p.before, best[i]),
			CentipawnLoss: loss,
		}
		if isUserMove(whiteMoved, userColor) {
			rec.Classification = Classify(loss)
		}
		records[i] = rec
	}

	analysis := &domain.GameAnalysis{
		Stats: summarize(records, userColor),
		Moves: records,
	}

	a.log.Debug().
		Int("plies", len(plies)).
		Dur("took", time.Since(start)).
		Msg("game analyzed")
	return analysis, nil
}

// replay decodes every move and returns the plies plus all n+1 positions
func replay(moves []string) ([]ply, []*chess.Position, error) {
	pos := chess.NewGame().Position()
	positions := make([]*chess.Position, 0, len(moves)+1)
	positions = append(positions, pos)
	plies := make([]ply, 0, len(moves))

	for i, text := range moves {
		if pos.Status() != chess.NoMethod {
			return nil, nil, fmt.Errorf("%w: move %d %q played after the game ended", ErrMalformedGame, i+1, text)
		}
		m, err := decodeMove(pos, text)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: ply %d: %v", ErrMalformedGame, i+1, err)
		}
		plies = append(plies, ply{san: text, move: m, before: pos})
		pos = pos.Update(m)
		positions = append(positions, pos)
	}
	return plies, positions, nil
}

// decodeMove accepts SAN with or without check and annotation marks, or UCI
func decodeMove(pos *chess.Position, text string) (*chess.Move, error) {
	want := normalizeSAN(text)
	if want == "" {
		return nil, fmt.Errorf("empty move")
	}
	valid := pos.ValidMoves()
	for _, m := range valid {
		if normalizeSAN(chess.AlgebraicNotation{}.Encode(pos, m)) == want {
			return m, nil
		}
	}
	for _, m := range valid {
		if m.String() == text {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%q is not legal in %s", text, pos.String())
}

func normalizeSAN(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "0-0-0", "O-O-O")
	s = strings.ReplaceAll(s, "0-0", "O-O")
	s = strings.ReplaceAll(s, "e.p.", "")
	return strings.TrimRight(s, "+#!?")
}

// uciToSAN renders an engine move in SAN, or "" if it is not legal here
func uciToSAN(pos *chess.Position, uci string) string {
	if uci == "" {
		return ""
	}
	for _, m := range pos.ValidMoves() {
		if m.String() == uci {
			return chess.AlgebraicNotation{}.Encode(pos, m)
		}
	}
	return ""
}

func whitePerspective(cp int, whiteToMove bool) int {
	if whiteToMove {
		return cp
	}
	return -cp
}

func isUserMove(whiteMoved bool, userColor domain.Color) bool {
	return whiteMoved == (userColor == domain.White)
}

func summarize(records []domain.MoveAnalysis, userColor domain.Color) domain.GameStats {
	stats := domain.GameStats{NumMoves: len(records)}

	own := lo.Filter(records, func(m domain.MoveAnalysis, _ int) bool {
		return isUserMove(m.IsWhite, userColor)
	})
	if len(own) == 0 {
		return stats
	}

	total := lo.SumBy(own, func(m domain.MoveAnalysis) int { return m.CentipawnLoss })
	avg := float64(total) / float64(len(own))
	acc := Accuracy(avg)
	stats.AverageCentipawnLoss = &avg
	stats.Accuracy = &acc
	stats.NumBlunders = lo.CountBy(own, func(m domain.MoveAnalysis) bool { return m.Classification == domain.ClassBlunder })
	stats.NumMistakes = lo.CountBy(own, func(m domain.MoveAnalysis) bool { return m.Classification == domain.ClassMistake })
	stats.NumInaccuracies = lo.CountBy(own, func(m domain.MoveAnalysis) bool { return m.Classification == domain.ClassInaccuracy })
	return stats
}
