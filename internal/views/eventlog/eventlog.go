// Package eventlog provides the scrollable provisioning event log panel.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/theme"
)

const maxEntries = 200

// Entry is a single event log line.
type Entry struct {
	Time    time.Time
	Kind    string
	Message string
}

// Model holds event log state.
type Model struct {
	Entries []Entry
	Offset  int // scroll offset (from bottom)
}

// New creates an empty event log.
func New() Model {
	return Model{}
}

// Add appends a provisioning event and caps the buffer.
func (m *Model) Add(ev client.ProvisioningEvent) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	m.Entries = append(m.Entries, Entry{
		Time:    at,
		Kind:    string(ev.Kind),
		Message: ev.RawMessage,
	})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// Sync replaces the log with the controller's event history. The scroll
// position is kept unless the history changed. The history is a sliding
// window, so a full window that moved by one event has the same length.
func (m *Model) Sync(events []client.ProvisioningEvent) {
	if m.holds(events) {
		return
	}
	m.Entries = m.Entries[:0]
	for _, ev := range events {
		m.Add(ev)
	}
}

// holds reports whether the log already shows exactly the tail of events.
func (m *Model) holds(events []client.ProvisioningEvent) bool {
	if len(events) > maxEntries {
		events = events[len(events)-maxEntries:]
	}
	if len(events) != len(m.Entries) {
		return false
	}
	if len(events) == 0 {
		return true
	}
	same := func(e Entry, ev client.ProvisioningEvent) bool {
		return e.Kind == string(ev.Kind) && e.Message == ev.RawMessage &&
			(ev.At.IsZero() || e.Time.Equal(ev.At))
	}
	return same(m.Entries[0], events[0]) && same(m.Entries[len(m.Entries)-1], events[len(events)-1])
}

// ScrollUp moves the viewport up.
func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

// ScrollDown moves the viewport down.
func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder)
}

// View renders the log as a panel.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visibleLines := height - 4
	if visibleLines < 3 {
		visibleLines = 3
	}

	title := theme.StyleHeader.Render("Provisioning log")

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("Waiting for the first event...")
		return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	end := len(m.Entries) - m.Offset
	start := end - visibleLines
	if start < 0 {
		start = 0
	}
	if end < 0 {
		end = 0
	}

	var lines []string
	for i := start; i < end; i++ {
		e := m.Entries[i]
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
		glyph := lipgloss.NewStyle().Foreground(theme.KindColor(e.Kind)).Width(2).Render(theme.KindGlyph(e.Kind))
		msg := strings.ReplaceAll(e.Message, "\n", " ")
		if innerW > 20 {
			msg = ansi.Truncate(msg, innerW-14, "...")
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, glyph, msg))
	}

	parts := []string{title, strings.Join(lines, "\n")}
	if m.Offset > 0 {
		parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset)))
	}
	return panelStyle(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
