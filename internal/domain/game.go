package domain

import (
	"strings"
	"time"
)

// Game is an imported game owned by a user.
// Moves and identity are immutable once the game leaves StateUnanalyzed.
type Game struct {
	ID        int64
	UserID    int64
	White     string
	Black     string
	UserColor Color
	Moves     []string // SAN, one entry per ply
	PGN       string
	Result    string
	PlayedAt  *time.Time
	// SourceKey identifies the game at its origin (file + index, or a PGN
	// Site tag) so repeated imports are skipped. Empty means no dedup.
	SourceKey string

	State AnalysisState
	JobID *int64 // batch job currently holding the game, if any
	Stats GameStats

	AnalysisError string
	AnalyzedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MoveText returns the move list as stored (space separated SAN)
func (g *Game) MoveText() string {
	return strings.Join(g.Moves, " ")
}

// SplitMoves parses a stored move list back into plies
func SplitMoves(text string) []string {
	return strings.Fields(text)
}

// GameStats are the aggregates computed over the user's own moves
type GameStats struct {
	AverageCentipawnLoss *float64
	Accuracy             *float64
	NumMoves             int
	NumBlunders          int
	NumMistakes          int
	NumInaccuracies      int
}

// MoveAnalysis is the evaluation record for one ply
type MoveAnalysis struct {
	GameID         int64
	MoveNumber     int // full-move number
	HalfMove       int // 1-based ply index
	IsWhite        bool
	MoveSAN        string
	MoveUCI        string
	EvalBefore     int // centipawns from white's view, mate encoded
	EvalAfter      int
	BestMoveUCI    string
	BestMoveSAN    string
	Classification Classification
	CentipawnLoss  int
}

// GameAnalysis is the all-or-nothing output of analyzing one game
type GameAnalysis struct {
	Stats GameStats
	Moves []MoveAnalysis
}
