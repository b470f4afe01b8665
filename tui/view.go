package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238")).
			Bold(true)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	completedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	inProgressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimmedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	scope := "all users"
	if m.userID != 0 {
		scope = fmt.Sprintf("user %d", m.userID)
	}
	header := fmt.Sprintf(" Analysis Orchestrator │ %s │ Games: %d │ Active jobs: %d │ Updated %s ",
		scope, m.totalGames(), m.activeJobs(), humanize.Time(m.snap.At))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var body string
	switch m.activeTab {
	case TabDashboard:
		body = m.renderDashboard()
	case TabJobs:
		body = m.renderJobs()
	case TabGames:
		body = m.renderGames()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(body))
	b.WriteString("\n")

	status := "q quit • tab switch • j/k move • r refresh"
	if m.activeTab == TabJobs {
		status += " • c cancel job"
	}
	if m.err != nil {
		status = failedStyle.Render("error: "+m.err.Error()) + "  " + status
	} else if m.note != "" {
		status = m.note + "  " + status
	}
	b.WriteString(dimmedStyle.Render(status))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Jobs", "Games"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderDashboard() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("GAMES"))
	b.WriteString("\n")
	for _, state := range []domain.AnalysisState{
		domain.StateUnanalyzed, domain.StateInProgress, domain.StateAnalyzed, domain.StateFailed,
	} {
		line := fmt.Sprintf("  %-12s %6d", state, m.snap.Counts[state])
		b.WriteString(stateStyle(state).Render(line))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(titleStyle.Render("RUNNING JOBS"))
	b.WriteString("\n")

	running := 0
	for _, job := range m.snap.Jobs {
		if job.Status.IsTerminal() {
			continue
		}
		running++
		b.WriteString(fmt.Sprintf("  #%-5d user %-6d %s %3d%%  %d/%d\n",
			job.ID, job.UserID, progressBar(job.Progress, 20), job.Progress, job.AnalyzedGames, job.TotalGames))
	}
	if running == 0 {
		b.WriteString(dimmedStyle.Render("  No jobs running"))
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderJobs() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("JOBS"))
	b.WriteString("\n")

	if len(m.snap.Jobs) == 0 {
		b.WriteString(dimmedStyle.Render("  No jobs yet. Submit one with 'analysis-orch batch USER'."))
		return b.String()
	}

	for i, job := range m.snap.Jobs {
		line := fmt.Sprintf("  #%-5d user %-6d %-10s %3d%%  %3d/%-3d failed %-3d %s",
			job.ID, job.UserID, job.Status, job.Progress, job.AnalyzedGames, job.TotalGames,
			job.FailedGames, humanize.Time(job.CreatedAt))
		if job.ErrorMessage != "" {
			line += "  " + truncate(job.ErrorMessage, 40)
		}
		b.WriteString(m.row(i, jobStyle(job.Status).Render(line)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderGames() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("GAMES"))
	b.WriteString("\n")

	if len(m.snap.Games) == 0 {
		b.WriteString(dimmedStyle.Render("  No games. Import some with 'analysis-orch import'."))
		return b.String()
	}

	for i, g := range m.snap.Games {
		accuracy := "   -"
		if g.Stats.Accuracy != nil {
			accuracy = fmt.Sprintf("%4.1f", *g.Stats.Accuracy)
		}
		line := fmt.Sprintf("  %-6d %-24s %-7s %-11s acc %s  ?? %d  ? %d",
			g.ID, truncate(g.White+" - "+g.Black, 24), g.Result, g.State, accuracy,
			g.Stats.NumBlunders, g.Stats.NumMistakes)
		b.WriteString(m.row(i, stateStyle(g.State).Render(line)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) row(i int, line string) string {
	if i == m.selectedRow {
		return selectedStyle.Render(line)
	}
	return line
}

func (m Model) totalGames() int {
	n := 0
	for _, c := range m.snap.Counts {
		n += c
	}
	return n
}

func (m Model) activeJobs() int {
	n := 0
	for _, job := range m.snap.Jobs {
		if !job.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func stateStyle(s domain.AnalysisState) lipgloss.Style {
	switch s {
	case domain.StateAnalyzed:
		return completedStyle
	case domain.StateInProgress:
		return inProgressStyle
	case domain.StateFailed:
		return failedStyle
	}
	return dimmedStyle
}

func jobStyle(s domain.JobStatus) lipgloss.Style {
	switch s {
	case domain.JobCompleted:
		return completedStyle
	case domain.JobProcessing, domain.JobPending:
		return inProgressStyle
	case domain.JobFailed:
		return failedStyle
	}
	return dimmedStyle
}

func progressBar(percent, width int) string {
	filled := percent * width / 100
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
