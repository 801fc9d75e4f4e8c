package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/console"
	"github.com/lab-practice/labterm/internal/session"
	"github.com/lab-practice/labterm/internal/theme"
	"github.com/lab-practice/labterm/internal/views/brief"
	"github.com/lab-practice/labterm/internal/views/conflict"
	"github.com/lab-practice/labterm/internal/views/eventlog"
	"github.com/lab-practice/labterm/internal/views/questions"
	"github.com/lab-practice/labterm/internal/views/result"
	"github.com/lab-practice/labterm/internal/views/setup"
	"github.com/lab-practice/labterm/internal/views/status"
)

// Controller is the session state machine the UI drives.
type Controller interface {
	Start(labID, userID int64) error
	Retry() error
	DeleteExisting() error
	Submit() error
	Close() error
	Updates() <-chan session.Snapshot
	Terminal() session.Terminal
}

// LabAPI provides lab content and question grading.
type LabAPI interface {
	GetLab(ctx context.Context, labID int64) (*client.Lab, error)
	GetQuestions(ctx context.Context, labID int64) ([]client.Question, error)
	CheckQuestion(ctx context.Context, sessionID, questionID int64, answerID *int64) (*client.CheckResult, error)
}

// Options configures the root model.
type Options struct {
	LabID  int64
	UserID int64

	// AttachDelay is how long the ready screen stays up before the terminal
	// takes over the screen.
	AttachDelay   time.Duration
	RedirectDelay time.Duration
	QuoteInterval time.Duration
	DetachKey     byte
	DetachHint    string

	// Logout clears stored credentials when the server reports the login
	// expired. Optional.
	Logout func() error
}

type (
	snapshotMsg   session.Snapshot
	updatesEndMsg struct{}
	startedMsg    struct{ err error }
	actionMsg     struct {
		what string
		err  error
	}
	labMsg struct {
		lab *client.Lab
		err error
	}
	questionsMsg struct {
		qs  []client.Question
		err error
	}
	checkMsg struct {
		questionID int64
		res        *client.CheckResult
		err        error
	}
	attachMsg   struct{ sessionID int64 }
	detachedMsg struct{ err error }
	redirectMsg struct{}
	closedMsg   struct{}
)

// Model is the root Bubble Tea model.
type Model struct {
	ctrl Controller
	api  LabAPI
	opts Options

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	width   int
	height  int

	snap session.Snapshot

	// Sub-views.
	brief     brief.Model
	setup     setup.Model
	events    eventlog.Model
	questions questions.Model
	statusBar status.Model

	progressSession int64 // session the setup bar belongs to
	attachedSession int64 // session auto-attached once already
	attaching       bool
	loggedOut       bool
	redirect        bool
	quitting        bool
	notice          string
}

// New creates the root model.
func New(ctrl Controller, api LabAPI, opts Options) *Model {
	if opts.DetachKey == 0 {
		opts.DetachKey = console.DefaultDetachKey
	}
	if opts.DetachHint == "" {
		opts.DetachHint = "ctrl+]"
	}
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorAccent)
	return &Model{
		ctrl:      ctrl,
		api:       api,
		opts:      opts,
		keys:      DefaultKeyMap(),
		help:      help.New(),
		spinner:   sp,
		snap:      session.Snapshot{Phase: session.PhaseIdle},
		brief:     brief.New(),
		setup:     setup.New(),
		events:    eventlog.New(),
		questions: questions.New(),
		statusBar: status.New(),
	}
}

// RedirectToLogin reports whether the program ended because the login
// expired.
func (m *Model) RedirectToLogin() bool {
	return m.redirect
}

// Init starts the session and the background fetches.
func (m *Model) Init() tea.Cmd {
	ctrl, labID, userID := m.ctrl, m.opts.LabID, m.opts.UserID
	return tea.Batch(
		m.listen(),
		func() tea.Msg { return startedMsg{err: ctrl.Start(labID, userID)} },
		m.fetchLab(),
		m.fetchQuestions(),
		m.spinner.Tick,
		setup.RotateQuotes(m.opts.QuoteInterval),
	)
}

func (m *Model) listen() tea.Cmd {
	ch := m.ctrl.Updates()
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return updatesEndMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m *Model) fetchLab() tea.Cmd {
	api, id := m.api, m.opts.LabID
	if api == nil {
		return nil
	}
	return func() tea.Msg {
		lab, err := api.GetLab(context.Background(), id)
		return labMsg{lab: lab, err: err}
	}
}

func (m *Model) fetchQuestions() tea.Cmd {
	api, id := m.api, m.opts.LabID
	if api == nil {
		return nil
	}
	return func() tea.Msg {
		qs, err := api.GetQuestions(context.Background(), id)
		return questionsMsg{qs: qs, err: err}
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.setup.Width = msg.Width
		m.brief.Width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		cmd := m.applySnapshot(session.Snapshot(msg))
		return m, tea.Batch(cmd, m.listen())

	case updatesEndMsg:
		return m, nil

	case startedMsg:
		if msg.err != nil {
			m.notice = "Could not start: " + msg.err.Error()
		}
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.notice = fmt.Sprintf("%s: %v", msg.what, msg.err)
		}
		return m, nil

	case labMsg:
		if msg.err != nil {
			log.Printf("app: load lab %d: %v", m.opts.LabID, msg.err)
		}
		m.brief.SetLab(msg.lab, msg.err)
		m.statusBar.LabTitle = m.brief.Title()
		return m, nil

	case questionsMsg:
		if msg.err != nil {
			log.Printf("app: load questions for lab %d: %v", m.opts.LabID, msg.err)
		}
		m.questions.SetQuestions(msg.qs, msg.err)
		return m, nil

	case checkMsg:
		if msg.err != nil {
			log.Printf("app: check question %d: %v", msg.questionID, msg.err)
		}
		m.questions.SetVerdict(msg.questionID, msg.res, msg.err)
		return m, nil

	case attachMsg:
		if msg.sessionID != m.snap.SessionID {
			return m, nil
		}
		return m, m.attach()

	case detachedMsg:
		m.attaching = false
		switch {
		case errors.Is(msg.err, console.ErrEnded):
			m.notice = "The remote terminal closed."
		case msg.err != nil:
			log.Printf("app: terminal relay: %v", msg.err)
			m.notice = "Terminal relay stopped: " + msg.err.Error()
		}
		return m, nil

	case redirectMsg:
		m.redirect = true
		return m, m.quit()

	case closedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case setup.FrameMsg:
		var cmd tea.Cmd
		m.setup, cmd = m.setup.Update(msg)
		return m, cmd

	case setup.QuoteMsg:
		m.setup, _ = m.setup.Update(msg)
		return m, setup.RotateQuotes(m.opts.QuoteInterval)
	}

	return m, nil
}

// applySnapshot folds a controller snapshot into the sub-views and returns
// any follow-up command.
func (m *Model) applySnapshot(s session.Snapshot) tea.Cmd {
	prev := m.snap
	m.snap = s

	m.statusBar.Phase = string(s.Phase)
	m.statusBar.SessionID = s.SessionID
	m.statusBar.TerminalOpen = s.TerminalOpen

	var cmds []tea.Cmd

	if s.SessionID != m.progressSession {
		m.progressSession = s.SessionID
		m.setup.Reset()
	}
	m.events.Sync(s.Events)
	if s.Phase == session.PhaseProvisioning || s.Phase == session.PhaseInteractive {
		cmds = append(cmds, m.setup.SetProgress(s.Percentage, s.PhaseLabel, s.LastMessage))
	}

	if s.Phase != prev.Phase {
		m.notice = ""
	}

	if s.Phase == session.PhaseInteractive && s.TerminalOpen && m.attachedSession != s.SessionID {
		m.attachedSession = s.SessionID
		id := s.SessionID
		cmds = append(cmds, tea.Tick(m.opts.AttachDelay, func(time.Time) tea.Msg {
			return attachMsg{sessionID: id}
		}))
	}

	if s.AuthExpired && !m.loggedOut {
		m.loggedOut = true
		if m.opts.Logout != nil {
			if err := m.opts.Logout(); err != nil {
				log.Printf("app: logout: %v", err)
			}
		}
		cmds = append(cmds, tea.Tick(m.opts.RedirectDelay, func(time.Time) tea.Msg {
			return redirectMsg{}
		}))
	}

	return tea.Batch(cmds...)
}

// attach hands the screen to the remote terminal until the detach key.
func (m *Model) attach() tea.Cmd {
	if m.attaching || m.snap.Phase != session.PhaseInteractive || !m.snap.TerminalOpen {
		return nil
	}
	term := m.ctrl.Terminal()
	if term == nil {
		return nil
	}
	m.attaching = true
	banner := fmt.Sprintf("Connected to lab session #%d. Press %s to return to the lab panel.",
		m.snap.SessionID, m.opts.DetachHint)
	a := console.New(term, m.opts.DetachKey).WithBanner(banner)
	return tea.Exec(a, func(err error) tea.Msg { return detachedMsg{err: err} })
}

func (m *Model) quit() tea.Cmd {
	if m.quitting {
		return nil
	}
	m.quitting = true
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := ctrl.Close(); err != nil {
			log.Printf("app: close session: %v", err)
		}
		return closedMsg{}
	}
}

func (m *Model) run(what string, fn func() error) tea.Cmd {
	return func() tea.Msg { return actionMsg{what: what, err: fn()} }
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, m.quit()
	}
	if m.quitting {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.LogUp):
		m.events.ScrollUp(5)
		return m, nil

	case key.Matches(msg, m.keys.LogDown):
		m.events.ScrollDown(5)
		return m, nil
	}

	switch m.snap.Phase {
	case session.PhaseConflict:
		if key.Matches(msg, m.keys.Delete) {
			return m, m.run("Delete failed", m.ctrl.DeleteExisting)
		}

	case session.PhaseFailed:
		if key.Matches(msg, m.keys.Retry) && !m.snap.AuthExpired {
			return m, m.run("Retry failed", m.ctrl.Retry)
		}

	case session.PhaseInteractive:
		return m, m.handleInteractiveKey(msg)
	}
	return m, nil
}

func (m *Model) handleInteractiveKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Attach):
		if !m.snap.TerminalOpen {
			m.notice = "The terminal is closed. Press s to submit."
			return nil
		}
		return m.attach()

	case key.Matches(msg, m.keys.Submit):
		return m.run("Submit failed", m.ctrl.Submit)

	case key.Matches(msg, m.keys.Next):
		m.questions.Next()
	case key.Matches(msg, m.keys.Prev):
		m.questions.Prev()
	case key.Matches(msg, m.keys.Up):
		m.questions.MoveCursor(-1)
	case key.Matches(msg, m.keys.Down):
		m.questions.MoveCursor(1)
	case key.Matches(msg, m.keys.Choose):
		m.questions.Choose()

	case key.Matches(msg, m.keys.Check):
		q, answer, ok := m.questions.Pending()
		if !ok || m.api == nil || m.snap.SessionID == 0 {
			return nil
		}
		m.questions.BeginCheck(q.ID)
		api, sid := m.api, m.snap.SessionID
		return func() tea.Msg {
			res, err := api.CheckQuestion(context.Background(), sid, q.ID, answer)
			return checkMsg{questionID: q.ID, res: res, err: err}
		}
	}
	return nil
}

// View renders the full TUI.
func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch m.snap.Phase {
	case session.PhaseIdle, session.PhaseCheckingExisting:
		body = m.withBrief(m.spinner.View() + " Checking for an existing session...")
	case session.PhaseStarting:
		body = m.withBrief(m.spinner.View() + " Creating your lab environment...")
	case session.PhaseConflict:
		busy := ""
		if m.snap.Busy {
			busy = m.spinner.View()
		}
		body = lipgloss.JoinVertical(lipgloss.Left,
			theme.StyleHeader.Render(m.brief.Title()), "",
			conflict.View(m.snap.Existing, busy, m.conflictErr(), m.width))
	case session.PhaseProvisioning:
		body = lipgloss.JoinVertical(lipgloss.Left,
			m.setup.View(),
			m.events.View(m.width, m.height/3))
	case session.PhaseInteractive:
		body = m.interactiveView()
	case session.PhaseSubmitting:
		body = m.spinner.View() + " Submitting your work..."
	case session.PhaseDone, session.PhaseFailed:
		body = result.Model{
			LabTitle:    m.brief.Title(),
			SessionID:   m.snap.SessionID,
			Done:        m.snap.Phase == session.PhaseDone,
			Err:         m.snap.Err,
			SubmitErr:   m.snap.SubmitErr,
			AuthExpired: m.snap.AuthExpired,
			Passed:      m.questions.Passed(),
			Total:       len(m.questions.Questions),
			Width:       m.width,
		}.View()
		if m.snap.Phase == session.PhaseFailed && len(m.snap.Events) > 0 {
			body = lipgloss.JoinVertical(lipgloss.Left, body, m.events.View(m.width, m.height/3))
		}
	case session.PhaseClosed:
		body = "Closing lab session..."
	}

	if m.snap.AuthExpired && m.snap.Phase != session.PhaseFailed {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "",
			theme.StyleError.Render("Your login has expired. Redirecting to login..."))
	}
	if m.notice != "" {
		body = lipgloss.JoinVertical(lipgloss.Left, body, "", theme.StyleBanner.Render(m.notice))
	}

	bar := m.statusBar
	if m.snap.Busy {
		bar.Busy = m.spinner.View()
	}

	sections := []string{
		body,
		bar.View(),
		" " + m.help.View(m.keys),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) withBrief(line string) string {
	return lipgloss.JoinVertical(lipgloss.Left, m.brief.View(), "", line)
}

func (m *Model) conflictErr() error {
	if m.snap.Err == nil || errors.Is(m.snap.Err, client.ErrConflict) {
		return nil
	}
	return m.snap.Err
}

func (m *Model) interactiveView() string {
	var lines []string
	if m.snap.TerminalOpen {
		lines = append(lines, theme.StyleSuccess.Render("● Your lab terminal is ready.")+
			theme.StyleDimmed.Render(fmt.Sprintf("  t: open it, %s inside it returns here", m.opts.DetachHint)))
	} else {
		msg := "The terminal connection closed."
		if m.snap.Err != nil {
			msg = "The terminal connection closed: " + m.snap.Err.Error()
		}
		lines = append(lines, theme.StyleError.Render(msg)+theme.StyleDimmed.Render("  s: submit your work"))
	}
	lines = append(lines, "", m.questions.View(m.width-4))
	return lipgloss.NewStyle().Padding(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
