// Package tui is a terminal monitor for analysis jobs and game backlog.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/jobstore"
)

const (
	TabDashboard = iota
	TabJobs
	TabGames
	tabCount
)

// Source is where the monitor reads persisted state
type Source interface {
	CountGamesByState(ctx context.Context, userID int64) (map[domain.AnalysisState]int, error)
	ListJobs(ctx context.Context, userID int64, limit int) ([]*domain.AnalysisJob, error)
	ListGames(ctx context.Context, f jobstore.GameFilter) ([]*domain.Game, error)
	CancelJob(ctx context.Context, id int64) (*domain.AnalysisJob, error)
}

// Snapshot is one refresh worth of data
type Snapshot struct {
	Counts map[domain.AnalysisState]int
	Jobs   []*domain.AnalysisJob
	Games  []*domain.Game
	At     time.Time
}

// Model is the TUI application model
type Model struct {
	source  Source
	userID  int64
	refresh time.Duration

	// Data
	snap Snapshot
	err  error
	note string

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
}

// ModelConfig holds initial settings for the TUI model
type ModelConfig struct {
	Source Source
	// UserID narrows jobs and games to one user; zero shows everyone
	UserID  int64
	Refresh time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 2 * time.Second
	}
	return Model{
		source:  cfg.Source,
		userID:  cfg.UserID,
		refresh: cfg.Refresh,
		snap:    Snapshot{Counts: map[domain.AnalysisState]int{}},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return m.loadCmd(true)
}

// TickMsg triggers a refresh
type TickMsg time.Time

// SnapshotMsg carries freshly loaded data
type SnapshotMsg struct {
	Snapshot Snapshot
	Err      error
	// Scheduled is set for periodic loads, which arm the next tick
	Scheduled bool
}

// CancelledMsg reports the outcome of a cancel request
type CancelledMsg struct {
	Job *domain.AnalysisJob
	Err error
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) loadCmd(scheduled bool) tea.Cmd {
	source, userID := m.source, m.userID
	return func() tea.Msg {
		var msg SnapshotMsg
		if source == nil {
			msg.Snapshot = Snapshot{Counts: map[domain.AnalysisState]int{}, At: time.Now()}
		} else {
			msg = load(context.Background(), source, userID)
		}
		msg.Scheduled = scheduled
		return msg
	}
}

func load(ctx context.Context, source Source, userID int64) SnapshotMsg {
	counts, err := source.CountGamesByState(ctx, userID)
	if err != nil {
		return SnapshotMsg{Err: err}
	}
	jobs, err := source.ListJobs(ctx, userID, 50)
	if err != nil {
		return SnapshotMsg{Err: err}
	}
	games, err := source.ListGames(ctx, jobstore.GameFilter{UserID: userID, Limit: 100})
	if err != nil {
		return SnapshotMsg{Err: err}
	}
	return SnapshotMsg{Snapshot: Snapshot{Counts: counts, Jobs: jobs, Games: games, At: time.Now()}}
}

func (m Model) cancelCmd(jobID int64) tea.Cmd {
	source := m.source
	return func() tea.Msg {
		job, err := source.CancelJob(context.Background(), jobID)
		return CancelledMsg{Job: job, Err: err}
	}
}

// ActiveTab returns the selected tab
func (m Model) ActiveTab() int {
	return m.activeTab
}
