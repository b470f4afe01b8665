package domain

import "time"

// AnalysisJob is one accepted batch-analysis request
type AnalysisJob struct {
	ID            int64
	UserID        int64
	Status        JobStatus
	Progress      int
	TotalGames    int
	AnalyzedGames int
	FailedGames   int
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ComputeProgress returns the whole-number percentage of analyzed games.
// A job with no games is reported as done.
func ComputeProgress(analyzed, total int) int {
	if total <= 0 {
		return 100
	}
	if analyzed >= total {
		return 100
	}
	return analyzed * 100 / total
}

// Remaining returns how many games are still outstanding
func (j *AnalysisJob) Remaining() int {
	if j.AnalyzedGames >= j.TotalGames {
		return 0
	}
	return j.TotalGames - j.AnalyzedGames
}
