// Package conflict renders the banner shown when the user already has an
// active session for the lab.
package conflict

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/theme"
)

// View renders the banner for the existing session. busy is shown while the
// delete request is in flight and err is the last delete failure, if any.
func View(existing *client.ActiveSession, busy string, err error, width int) string {
	if width < 40 {
		width = 40
	}
	lines := []string{
		lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWarning).Render("You already have an active session for this lab"),
	}
	if existing != nil && existing.SessionID != 0 {
		lines = append(lines, fmt.Sprintf("Session #%d is %s.", existing.SessionID, statusText(existing.Status)))
	} else {
		lines = append(lines, "The platform reports another session in progress.")
	}
	lines = append(lines, "",
		"Delete it to start over. Any work inside that environment will be lost.")
	if err != nil {
		lines = append(lines, "", theme.StyleError.Render("Delete failed: "+err.Error()))
	}
	if busy != "" {
		lines = append(lines, "", busy+" Deleting session...")
	} else {
		lines = append(lines, "", theme.StyleDimmed.Render("x: delete and start new   q: quit"))
	}
	return theme.StyleBanner.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func statusText(s client.SessionStatus) string {
	switch s {
	case client.StatusPending:
		return "pending"
	case client.StatusProvisioning:
		return "still provisioning"
	case client.StatusRunning:
		return "running"
	case "":
		return "active"
	}
	return string(s)
}
