// Package setup renders the provisioning screen: an animated progress bar,
// the current phase and a rotating quote.
package setup

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/lab-practice/labterm/internal/theme"
)

const fps = 60

// FrameMsg advances the bar animation by one frame.
type FrameMsg struct{}

// QuoteMsg rotates the quote.
type QuoteMsg struct{}

var quotes = []string{
	"The expert in anything was once a beginner.",
	"Practice is the hardest part of learning, and training is the essence of transformation.",
	"It does not matter how slowly you go as long as you do not stop.",
	"Learning never exhausts the mind.",
	"Mistakes are proof that you are trying.",
	"Tell me and I forget. Teach me and I remember. Involve me and I learn.",
}

// Model holds the provisioning screen state. Target is the controller's
// percentage; the bar eases toward it and never moves backwards.
type Model struct {
	Target      int
	Phase       string
	LastMessage string
	Width       int

	spring    harmonica.Spring
	shown     float64
	velocity  float64
	animating bool
	quote     int
}

// New creates a setup model.
func New() Model {
	return Model{spring: harmonica.NewSpring(harmonica.FPS(fps), 6.0, 1.0)}
}

// SetProgress records the latest percentage and phase. It returns a command
// that starts the animation when the bar needs to move.
func (m *Model) SetProgress(pct int, phase, message string) tea.Cmd {
	if pct < m.Target {
		pct = m.Target
	}
	m.Target = pct
	m.Phase = phase
	if message != "" {
		m.LastMessage = message
	}
	if m.animating || m.shown >= float64(m.Target) {
		return nil
	}
	m.animating = true
	return frame()
}

// Reset clears progress for a brand-new session.
func (m *Model) Reset() {
	m.Target = 0
	m.Phase = ""
	m.LastMessage = ""
	m.shown = 0
	m.velocity = 0
}

// Shown returns the percentage currently drawn.
func (m Model) Shown() float64 {
	return m.shown
}

// Update handles animation and quote ticks.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg.(type) {
	case FrameMsg:
		target := float64(m.Target)
		pos, vel := m.spring.Update(m.shown, m.velocity, target)
		if pos > target {
			pos = target
		}
		if pos < m.shown {
			pos = m.shown
		}
		m.shown, m.velocity = pos, vel
		if target-m.shown < 0.1 {
			m.shown, m.velocity = target, 0
			m.animating = false
			return m, nil
		}
		return m, frame()
	case QuoteMsg:
		m.quote = (m.quote + 1) % len(quotes)
	}
	return m, nil
}

// RotateQuotes returns a command that sends QuoteMsg every interval.
func RotateQuotes(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		return nil
	}
	return tea.Tick(interval, func(time.Time) tea.Msg { return QuoteMsg{} })
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/fps, func(time.Time) tea.Msg { return FrameMsg{} })
}

// View renders the screen body.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	barWidth := width - 12

	title := theme.StyleHeader.Render("Preparing your lab environment")
	bar := renderBar(m.shown, barWidth)
	pct := lipgloss.NewStyle().Foreground(theme.BarColor(m.Target)).Bold(true).
		Render(fmt.Sprintf("%3d%%", int(m.shown+0.5)))

	phase := m.Phase
	if phase == "" {
		phase = "Preparing"
	}
	lines := []string{
		title,
		"",
		bar + " " + pct,
		lipgloss.NewStyle().Foreground(theme.ColorAccent).Render(phase),
	}
	if m.LastMessage != "" {
		lines = append(lines, theme.StyleDimmed.Render(truncate(m.LastMessage, barWidth)))
	}
	lines = append(lines, "", lipgloss.NewStyle().Italic(true).Foreground(theme.ColorDimmed).
		Width(barWidth).Render("“"+quotes[m.quote]+"”"))

	return lipgloss.NewStyle().Padding(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderBar(pct float64, width int) string {
	if width < 10 {
		width = 10
	}
	filled := int(pct / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	fill := lipgloss.NewStyle().Foreground(theme.BarColor(int(pct))).Render(strings.Repeat("█", filled))
	empty := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", width-filled))
	return fill + empty
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n < 4 {
		return s
	}
	return ansi.Truncate(s, n, "...")
}
