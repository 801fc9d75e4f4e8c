// Package questions renders the lab task panel shown next to the terminal.
package questions

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/theme"
	"github.com/lab-practice/labterm/internal/views/brief"
)

// Verdict is the last check outcome for one question.
type Verdict struct {
	Result *client.CheckResult
	Err    error
}

// Model holds the question list, the current position and the answers
// picked so far.
type Model struct {
	Questions []client.Question
	Index     int
	Err       error

	cursor   map[int64]int // highlighted answer per question
	chosen   map[int64]int64
	verdicts map[int64]Verdict
	checking int64
}

// New creates an empty question panel.
func New() Model {
	return Model{
		cursor:   make(map[int64]int),
		chosen:   make(map[int64]int64),
		verdicts: make(map[int64]Verdict),
	}
}

// SetQuestions replaces the question list.
func (m *Model) SetQuestions(qs []client.Question, err error) {
	m.Questions = qs
	m.Err = err
	m.Index = 0
}

// Current returns the question on screen.
func (m Model) Current() (client.Question, bool) {
	if m.Index < 0 || m.Index >= len(m.Questions) {
		return client.Question{}, false
	}
	return m.Questions[m.Index], true
}

// Next moves to the following question, stopping at the last.
func (m *Model) Next() {
	if m.Index < len(m.Questions)-1 {
		m.Index++
	}
}

// Prev moves to the previous question, stopping at the first.
func (m *Model) Prev() {
	if m.Index > 0 {
		m.Index--
	}
}

// MoveCursor moves the answer highlight of the current question by delta,
// wrapping around.
func (m *Model) MoveCursor(delta int) {
	q, ok := m.Current()
	if !ok || len(q.Answers) == 0 {
		return
	}
	n := len(q.Answers)
	m.cursor[q.ID] = ((m.cursor[q.ID]+delta)%n + n) % n
}

// Choose picks the highlighted answer of the current question.
func (m *Model) Choose() {
	q, ok := m.Current()
	if !ok || len(q.Answers) == 0 {
		return
	}
	m.chosen[q.ID] = q.Answers[m.cursor[q.ID]].ID
}

// Pending returns the question to check and the chosen answer, if any. ok
// is false when there is nothing to check: no questions, a check already in
// flight, or a multiple-choice question without an answer.
func (m Model) Pending() (q client.Question, answerID *int64, ok bool) {
	q, ok = m.Current()
	if !ok || m.checking != 0 {
		return q, nil, false
	}
	if len(q.Answers) == 0 {
		return q, nil, true
	}
	id, picked := m.chosen[q.ID]
	if !picked {
		return q, nil, false
	}
	return q, &id, true
}

// BeginCheck marks a check in flight.
func (m *Model) BeginCheck(questionID int64) {
	m.checking = questionID
	delete(m.verdicts, questionID)
}

// SetVerdict records a check outcome.
func (m *Model) SetVerdict(questionID int64, res *client.CheckResult, err error) {
	if m.checking == questionID {
		m.checking = 0
	}
	m.verdicts[questionID] = Verdict{Result: res, Err: err}
}

// Passed counts questions whose last check succeeded.
func (m Model) Passed() int {
	n := 0
	for _, v := range m.verdicts {
		if v.Err == nil && v.Result != nil && v.Result.Success {
			n++
		}
	}
	return n
}

// View renders the current question.
func (m Model) View(width int) string {
	if width < 30 {
		width = 30
	}
	if m.Err != nil {
		return theme.StyleError.Render("Could not load questions: " + m.Err.Error())
	}
	q, ok := m.Current()
	if !ok {
		return theme.StyleDimmed.Render("This lab has no questions.")
	}

	header := theme.StyleHeader.Render(fmt.Sprintf("Question %d/%d", m.Index+1, len(m.Questions)))
	lines := []string{header, brief.Markdown(q.Question, width-2)}

	if len(q.Answers) > 0 {
		lines = append(lines, "")
		for i, a := range q.Answers {
			mark := "( )"
			if m.chosen[q.ID] == a.ID {
				mark = "(•)"
			}
			line := fmt.Sprintf("%s %s", mark, a.Content)
			if i == m.cursor[q.ID] {
				line = theme.StyleSelected.Render("> " + line)
			} else {
				line = "  " + line
			}
			lines = append(lines, line)
		}
	}
	if q.Hint != "" {
		lines = append(lines, "", theme.StyleDimmed.Render("Hint: "+q.Hint))
	}

	switch v, has := m.verdicts[q.ID]; {
	case m.checking == q.ID:
		lines = append(lines, "", theme.StyleDimmed.Render("Checking..."))
	case has && v.Err != nil:
		lines = append(lines, "", theme.StyleError.Render("Check failed: "+v.Err.Error()))
	case has && v.Result != nil && v.Result.Success:
		lines = append(lines, "", theme.StyleSuccess.Render("✓ "+orDefault(v.Result.Message, "Correct")))
	case has && v.Result != nil:
		lines = append(lines, "", theme.StyleError.Render("✗ "+orDefault(v.Result.Message, "Not yet")))
	}

	return lipgloss.NewStyle().Width(width).Render(strings.Join(lines, "\n"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
