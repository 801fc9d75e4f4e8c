package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Phase        string
	SessionID    int64
	LabTitle     string
	TerminalOpen bool
	Busy         string // spinner frame while a request is in flight
	Width        int
}

// New creates a status bar model.
func New() Model {
	return Model{}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.TerminalOpen {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Terminal")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDimmed).Render("○ Terminal")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + phaseStyle(m.Phase).Render(m.Phase)
	if m.SessionID != 0 {
		content += sep + fmt.Sprintf("session #%d", m.SessionID)
	}
	if m.LabTitle != "" {
		content += sep + m.LabTitle
	}
	if m.Busy != "" {
		content += sep + m.Busy
	}

	bar := lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(theme.ColorBorder)

	return bar.Render(content)
}

func phaseStyle(phase string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch phase {
	case "failed":
		return s.Foreground(theme.ColorDanger)
	case "conflict":
		return s.Foreground(theme.ColorWarning)
	case "interactive", "done":
		return s.Foreground(theme.ColorHealthy)
	default:
		return s.Foreground(theme.ColorAccent)
	}
}
