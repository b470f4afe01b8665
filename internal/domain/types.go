package domain

// AnalysisState represents a game's own analysis lifecycle
type AnalysisState string

const (
	StateUnanalyzed AnalysisState = "unanalyzed"
	StateInProgress AnalysisState = "in_progress"
	StateAnalyzed   AnalysisState = "analyzed"
	// StateFailed marks a game whose analysis hit an unrecoverable error.
	// It is never retried automatically.
	StateFailed AnalysisState = "failed"
)

// Valid reports whether s is a known analysis state
func (s AnalysisState) Valid() bool {
	switch s {
	case StateUnanalyzed, StateInProgress, StateAnalyzed, StateFailed:
		return true
	}
	return false
}

// Dispatchable reports whether a game in this state may be claimed by a batch
func (s AnalysisState) Dispatchable() bool {
	return s == StateUnanalyzed || s == StateFailed
}

// JobStatus represents the lifecycle state of a batch analysis job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal returns true for completed, failed and cancelled
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// IsActive returns true while the job still counts against admission limits
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobProcessing
}

// CanTransitionTo reports whether moving from s to next follows
// pending -> processing -> {completed, failed, cancelled}.
// A pending job may also be cancelled or failed before it starts.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing || next == JobCancelled || next == JobFailed
	case JobProcessing:
		return next.IsTerminal()
	}
	return false
}

// Color is the side a player had in a game
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// ParseColor accepts "white"/"w" and "black"/"b"
func ParseColor(s string) (Color, bool) {
	switch s {
	case "white", "w", "White", "WHITE":
		return White, true
	case "black", "b", "Black", "BLACK":
		return Black, true
	}
	return "", false
}

// Classification grades a single move by its centipawn loss
type Classification string

const (
	ClassNone       Classification = ""
	ClassBest       Classification = "best"
	ClassExcellent  Classification = "excellent"
	ClassGood       Classification = "good"
	ClassInaccuracy Classification = "inaccuracy"
	ClassMistake    Classification = "mistake"
	ClassBlunder    Classification = "blunder"
)
