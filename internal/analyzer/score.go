package analyzer

import (
	"math"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/engine"
)

// Mate scores sit far outside the centipawn range so that ordinary
// comparisons work: mate in 1 beats mate in 2, and being mated now is the
// lowest possible score.
const (
	MateValue = 10000
	MateStep  = 100
)

// EncodeMate maps a signed moves-to-mate count onto the centipawn scale.
// Positive n means the side to move mates, zero or negative means it is mated.
func EncodeMate(n int) int {
	if n > 0 {
		return MateValue - n*MateStep
	}
	return -MateValue - n*MateStep
}

// Centipawns converts an engine evaluation into side-to-move centipawns
func Centipawns(ev engine.Evaluation) int {
	if ev.Mate {
		return EncodeMate(ev.Score)
	}
	return ev.Score
}

// Classification thresholds, inclusive lower bounds
const (
	excellentFrom  = 10
	goodFrom       = 25
	inaccuracyFrom = 50
	mistakeFrom    = 100
	blunderFrom    = 200
)

// Classify grades a move by its centipawn loss
func Classify(loss int) domain.Classification {
	switch {
	case loss >= blunderFrom:
		return domain.ClassBlunder
	case loss >= mistakeFrom:
		return domain.ClassMistake
	case loss >= inaccuracyFrom:
		return domain.ClassInaccuracy
	case loss >= goodFrom:
		return domain.ClassGood
	case loss >= excellentFrom:
		return domain.ClassExcellent
	default:
		return domain.ClassBest
	}
}

// Accuracy is 100 minus a tenth of the average loss, floored at zero.
// There is no upper clamp.
func Accuracy(averageLoss float64) float64 {
	return math.Max(0, 100-averageLoss/10)
}
