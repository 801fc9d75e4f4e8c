// Package result renders the end-of-attempt screen.
package result

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/theme"
)

// Model is what the result screen needs to know about the attempt.
type Model struct {
	LabTitle    string
	SessionID   int64
	Done        bool
	Err         error
	SubmitErr   error
	AuthExpired bool
	Passed      int
	Total       int
	Width       int
}

// View renders the screen.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var lines []string
	switch {
	case m.AuthExpired:
		lines = append(lines,
			theme.StyleError.Bold(true).Render("Your login has expired"),
			"Sign in again to continue. Redirecting to login...")
	case m.Done:
		lines = append(lines, theme.StyleSuccess.Bold(true).Render("Lab submitted"))
		if m.LabTitle != "" {
			lines = append(lines, m.LabTitle)
		}
		if m.Total > 0 {
			lines = append(lines, fmt.Sprintf("%d of %d questions checked correct.", m.Passed, m.Total))
		}
		if m.SubmitErr != nil {
			lines = append(lines, "",
				lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("Submission could not be confirmed: "+m.SubmitErr.Error()),
				theme.StyleDimmed.Render("Your results are shown from this session and may update later."))
		}
	default:
		lines = append(lines, theme.StyleError.Bold(true).Render("The lab session failed"))
		if m.Err != nil {
			lines = append(lines, failureText(m.Err))
		}
		if retryable(m.Err) {
			lines = append(lines, "", theme.StyleDimmed.Render("r: start a fresh session   q: quit"))
		} else {
			lines = append(lines, "", theme.StyleDimmed.Render("q: quit"))
		}
	}
	if m.SessionID != 0 {
		lines = append(lines, "", theme.StyleDimmed.Render(fmt.Sprintf("session #%d", m.SessionID)))
	}

	return lipgloss.NewStyle().Width(width).Padding(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func failureText(err error) string {
	var perr *client.ProvisioningError
	switch {
	case errors.As(err, &perr):
		return "Provisioning failed: " + perr.Message
	case errors.Is(err, client.ErrForbidden):
		return "You are not enrolled in this lab."
	case errors.Is(err, client.ErrNotFound):
		return "This lab does not exist."
	case errors.Is(err, client.ErrConnectionLost):
		return "The connection to the lab was lost."
	}
	return err.Error()
}

func retryable(err error) bool {
	return !errors.Is(err, client.ErrForbidden) &&
		!errors.Is(err, client.ErrNotFound) &&
		!errors.Is(err, client.ErrAuthExpired)
}
