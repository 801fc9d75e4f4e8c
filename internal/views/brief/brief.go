// Package brief renders the lab overview shown before a session starts, and
// provides the shared markdown renderer used for question text.
package brief

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/theme"
)

var (
	renderMu  sync.Mutex
	renderers = map[int]*glamour.TermRenderer{}
)

// Markdown renders md wrapped to width. Renderers are cached per width. If
// glamour fails the text is returned as-is.
func Markdown(md string, width int) string {
	if width < 20 {
		width = 20
	}
	renderMu.Lock()
	defer renderMu.Unlock()

	r, ok := renderers[width]
	if !ok {
		var err error
		r, err = glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			log.Printf("brief: markdown renderer: %v", err)
			return md
		}
		renderers[width] = r
	}
	out, err := r.Render(md)
	if err != nil {
		log.Printf("brief: render markdown: %v", err)
		return md
	}
	return strings.Trim(out, "\n")
}

// Model holds the lab overview.
type Model struct {
	Lab   *client.Lab
	Err   error
	Width int

	cacheWidth int
	cache      string
}

// New creates an empty overview.
func New() Model {
	return Model{}
}

// SetLab stores the fetched lab and drops the rendered cache.
func (m *Model) SetLab(lab *client.Lab, err error) {
	m.Lab = lab
	m.Err = err
	m.cache = ""
}

// Title returns the lab title, or a placeholder before it is loaded.
func (m Model) Title() string {
	if m.Lab == nil || m.Lab.Title == "" {
		return "Lab"
	}
	return m.Lab.Title
}

// View renders the overview. It is called on a pointer so the rendered
// description can be cached between frames.
func (m *Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}
	if m.Err != nil {
		return theme.StyleError.Render("Could not load lab details: " + m.Err.Error())
	}
	if m.Lab == nil {
		return theme.StyleDimmed.Render("Loading lab details...")
	}
	if m.cache == "" || m.cacheWidth != width {
		m.cache = Markdown(m.Lab.Description, width-4)
		m.cacheWidth = width
	}

	title := theme.StyleHeader.Render(m.Lab.Title)
	meta := ""
	if m.Lab.EstimatedTime > 0 {
		meta = theme.StyleDimmed.Render(fmt.Sprintf("Estimated time: %d min", m.Lab.EstimatedTime))
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, meta, m.cache)
}
