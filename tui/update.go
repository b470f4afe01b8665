package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.loadCmd(false)
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "1":
			m.activeTab, m.selectedRow = TabDashboard, 0
		case "2":
			m.activeTab, m.selectedRow = TabJobs, 0
		case "3":
			m.activeTab, m.selectedRow = TabGames, 0
		case "c":
			// Cancel the selected job (jobs tab only)
			if m.activeTab != TabJobs || m.source == nil || m.selectedRow >= len(m.snap.Jobs) {
				return m, nil
			}
			job := m.snap.Jobs[m.selectedRow]
			if job.Status.IsTerminal() {
				m.note = fmt.Sprintf("job #%d is already %s", job.ID, job.Status)
				return m, nil
			}
			return m, m.cancelCmd(job.ID)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, m.loadCmd(true)

	case SnapshotMsg:
		m.err = msg.Err
		if msg.Err == nil {
			m.snap = msg.Snapshot
			if n := m.rowCount(); m.selectedRow >= n {
				m.selectedRow = max(n-1, 0)
			}
		}
		if msg.Scheduled {
			return m, m.tickCmd()
		}
		return m, nil

	case CancelledMsg:
		if msg.Err != nil {
			m.note = "cancel failed: " + msg.Err.Error()
			return m, nil
		}
		m.note = fmt.Sprintf("job #%d cancelled", msg.Job.ID)
		return m, m.loadCmd(false)
	}

	return m, nil
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case TabJobs:
		return len(m.snap.Jobs)
	case TabGames:
		return len(m.snap.Games)
	}
	return 0
}
