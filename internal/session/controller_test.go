package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lab-practice/labterm/internal/auth"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/progress"
)

type fakeLifecycle struct {
	mu       sync.Mutex
	active   *client.ActiveSession
	checkErr error
	session  *client.LabSession
	errs     []error // returned by successive Create calls
	release  chan struct{}

	checks, creates, deletes, submits int
	deleted                           []int64
	submitErr                         error
}

func (f *fakeLifecycle) CheckActive(ctx context.Context, labID, userID int64) (*client.ActiveSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.active != nil {
		a := *f.active
		return &a, nil
	}
	return &client.ActiveSession{}, nil
}

func (f *fakeLifecycle) Create(ctx context.Context, labID, userID int64) (*client.LabSession, error) {
	f.mu.Lock()
	f.creates++
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	release := f.release
	s := f.session
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	out := *s
	out.LabID, out.UserID = labID, userID
	return &out, nil
}

func (f *fakeLifecycle) Delete(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	f.deleted = append(f.deleted, sessionID)
	f.active = nil
	return nil
}

func (f *fakeLifecycle) Submit(ctx context.Context, sessionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return f.submitErr
}

func (f *fakeLifecycle) counts() (checks, creates, deletes, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks, f.creates, f.deletes, f.submits
}

// fakeProvisioner replays updates pushed by the test.
type fakeProvisioner struct {
	mu      sync.Mutex
	ctx     context.Context
	target  client.StreamTarget
	updates chan client.ProvisioningUpdate
	closed  bool
}

func (p *fakeProvisioner) Connect(ctx context.Context, target client.StreamTarget) (<-chan client.ProvisioningUpdate, error) {
	p.mu.Lock()
	p.ctx = ctx
	p.target = target
	p.mu.Unlock()
	return p.updates, nil
}

func (p *fakeProvisioner) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProvisioner) dialContext() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx
}

func (p *fakeProvisioner) dialed() client.StreamTarget {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

func (p *fakeProvisioner) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeTerminal struct {
	mu        sync.Mutex
	target    client.StreamTarget
	done      chan struct{}
	closeOnce sync.Once
	err       error
	closes    int
}

func newFakeTerminal() *fakeTerminal {
	return &fakeTerminal{done: make(chan struct{})}
}

func (t *fakeTerminal) Connect(ctx context.Context, target client.StreamTarget) error {
	t.mu.Lock()
	t.target = target
	t.mu.Unlock()
	return nil
}

func (t *fakeTerminal) Send(b []byte) error    { return nil }
func (t *fakeTerminal) OnData(fn func([]byte)) {}
func (t *fakeTerminal) Resize(cols, rows int)  {}
func (t *fakeTerminal) Done() <-chan struct{}  { return t.done }

func (t *fakeTerminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *fakeTerminal) Close() error {
	t.mu.Lock()
	t.closes++
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// drop simulates the remote end closing with err.
func (t *fakeTerminal) drop(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.done) })
}

type harness struct {
	ctrl      *Controller
	lifecycle *fakeLifecycle
	creds     *auth.Static

	mu        sync.Mutex
	provs     []*fakeProvisioner
	terminals []*fakeTerminal
}

func newHarness(t *testing.T, lc *fakeLifecycle) *harness {
	t.Helper()
	h := &harness{lifecycle: lc, creds: auth.NewStatic(auth.Credentials{Token: "tok", UserID: 5})}
	h.ctrl = New(Options{
		Lifecycle: lc,
		Auth:      h.creds,
		NewProvisioner: func() Provisioner {
			p := &fakeProvisioner{updates: make(chan client.ProvisioningUpdate, 16)}
			h.mu.Lock()
			h.provs = append(h.provs, p)
			h.mu.Unlock()
			return p
		},
		NewTerminal: func() Terminal {
			tm := newFakeTerminal()
			h.mu.Lock()
			h.terminals = append(h.terminals, tm)
			h.mu.Unlock()
			return tm
		},
	})
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

func (h *harness) prov(t *testing.T, i int) *fakeProvisioner {
	t.Helper()
	waitFor(t, fmt.Sprintf("provisioner %d", i), func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.provs) > i
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.provs[i]
}

func (h *harness) terminalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.terminals)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitPhase(t *testing.T, c *Controller, want Phase) Snapshot {
	t.Helper()
	waitFor(t, "phase "+string(want), func() bool { return c.Snapshot().Phase == want })
	return c.Snapshot()
}

func newSession(id int64) *client.LabSession {
	return &client.LabSession{
		ID:     id,
		Status: client.StatusPending,
		StreamTarget: client.StreamTarget{
			URL:       fmt.Sprintf("ws://h/ws/pod-logs?podName=vm-%d", id),
			Token:     "tok",
			SessionID: id,
		},
	}
}

func progressUpdate(kind progress.Kind, msg string, pct int, state client.ProvisioningState) client.ProvisioningUpdate {
	return client.ProvisioningUpdate{
		State: state,
		Event: client.ProvisioningEvent{Kind: kind, RawMessage: msg, Percentage: pct, PhaseLabel: progress.PhaseFor(pct)},
	}
}

func handoffUpdate(id int64) client.ProvisioningUpdate {
	u := progressUpdate(progress.KindTerminalReady, "Ready", 100, client.ProvisioningHandoff)
	u.Handoff = &client.StreamTarget{URL: fmt.Sprintf("ws://h/ws/terminal/%d", id), Token: "tok", SessionID: id}
	return u
}

func TestStartToInteractive(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	if err := h.ctrl.Start(3, 5); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	p := h.prov(t, 0)
	p.updates <- progressUpdate(progress.KindConnection, "Connected", 10, client.ProvisioningActive)
	p.updates <- progressUpdate(progress.KindProgress, "Creating VM", 20, client.ProvisioningActive)
	p.updates <- handoffUpdate(42)
	close(p.updates)

	s := waitPhase(t, h.ctrl, PhaseInteractive)
	if s.Percentage != 100 || s.PhaseLabel != progress.PhaseReady {
		t.Errorf("snapshot = %+v, want 100%% ready", s)
	}
	if s.SessionID != 42 || !s.TerminalOpen || s.LastMessage != "Ready" {
		t.Errorf("snapshot = %+v", s)
	}
	if len(s.Events) != 3 {
		t.Errorf("got %d events, want 3", len(s.Events))
	}
	if !p.isClosed() {
		t.Error("provisioning channel not closed at hand-off")
	}
	if n := h.terminalCount(); n != 1 {
		t.Errorf("opened %d terminals, want 1", n)
	}
	if h.ctrl.Terminal() == nil {
		t.Error("Terminal() = nil while interactive")
	}
	if got := p.dialed(); got.URL != "ws://h/ws/pod-logs?podName=vm-42" {
		t.Errorf("provisioning target = %+v", got)
	}
	if _, creates, _, _ := h.lifecycle.counts(); creates != 1 {
		t.Errorf("Create called %d times", creates)
	}
}

func TestHandoffReleasesProvisioningContext(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	p := h.prov(t, 0)
	p.updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)

	ctx := p.dialContext()
	if ctx == nil {
		t.Fatal("provisioning channel never dialed")
	}
	if ctx.Err() == nil {
		t.Error("provisioning context still live after hand-off")
	}
}

func TestDuplicateHandoffOpensOneTerminal(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	p := h.prov(t, 0)
	p.updates <- handoffUpdate(42)
	p.updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)
	time.Sleep(20 * time.Millisecond)
	if n := h.terminalCount(); n != 1 {
		t.Errorf("opened %d terminals, want 1", n)
	}
}

func TestExistingSessionConflict(t *testing.T) {
	lc := &fakeLifecycle{
		session: newSession(43),
		active:  &client.ActiveSession{HasActiveSession: true, SessionID: 7, Status: client.StatusProvisioning},
	}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)

	s := waitPhase(t, h.ctrl, PhaseConflict)
	if s.Existing == nil || s.Existing.SessionID != 7 || s.Existing.Status != client.StatusProvisioning {
		t.Errorf("Existing = %+v", s.Existing)
	}
	if _, creates, _, _ := lc.counts(); creates != 0 {
		t.Fatalf("Create called %d times during conflict", creates)
	}

	if err := h.ctrl.DeleteExisting(); err != nil {
		t.Fatalf("DeleteExisting() error: %v", err)
	}
	waitPhase(t, h.ctrl, PhaseProvisioning)
	checks, creates, deletes, _ := lc.counts()
	lc.mu.Lock()
	deleted := lc.deleted
	lc.mu.Unlock()
	if checks != 2 || creates != 1 || deletes != 1 || deleted[0] != 7 {
		t.Errorf("checks=%d creates=%d deletes=%d deleted=%v", checks, creates, deletes, deleted)
	}
}

func TestCreateConflictSurfacesExisting(t *testing.T) {
	lc := &fakeLifecycle{
		session: newSession(43),
		errs:    []error{&client.APIError{Method: "POST", Path: "/lab-sessions", Status: http.StatusConflict}},
	}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)

	s := waitPhase(t, h.ctrl, PhaseConflict)
	if !errors.Is(s.Err, client.ErrConflict) {
		t.Errorf("Err = %v, want ErrConflict", s.Err)
	}
	if _, creates, _, _ := lc.counts(); creates != 1 {
		t.Errorf("Create called %d times, conflict must not be retried", creates)
	}
}

func TestProvisioningErrorFails(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	p := h.prov(t, 0)
	p.updates <- progressUpdate(progress.KindInfo, "Creating VM", 20, client.ProvisioningActive)
	u := progressUpdate(progress.KindError, "quota exceeded", 20, client.ProvisioningFailed)
	u.Err = &client.ProvisioningError{Message: "quota exceeded"}
	p.updates <- u

	s := waitPhase(t, h.ctrl, PhaseFailed)
	var perr *client.ProvisioningError
	if !errors.As(s.Err, &perr) || perr.Message != "quota exceeded" {
		t.Errorf("Err = %v", s.Err)
	}
	if s.Percentage != 20 || s.LastMessage != "quota exceeded" {
		t.Errorf("snapshot = %+v", s)
	}
	if h.terminalCount() != 0 {
		t.Error("terminal opened after provisioning error")
	}
	if !p.isClosed() {
		t.Error("provisioning channel left open")
	}
}

func TestRetryCreatesNewSession(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42)}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	p := h.prov(t, 0)
	p.updates <- progressUpdate(progress.KindInfo, "Setup completed", 85, client.ProvisioningActive)
	lost := progressUpdate(progress.KindError, "lost", 85, client.ProvisioningLost)
	lost.Err = client.ErrConnectionLost
	p.updates <- lost
	waitPhase(t, h.ctrl, PhaseFailed)

	lc.mu.Lock()
	lc.session = newSession(44)
	lc.mu.Unlock()
	if err := h.ctrl.Retry(); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	p2 := h.prov(t, 1)
	s := waitPhase(t, h.ctrl, PhaseProvisioning)
	if s.SessionID != 44 || s.Percentage != 0 || s.Err != nil {
		t.Errorf("snapshot after retry = %+v", s)
	}
	waitFor(t, "retry dial", func() bool { return p2.dialed().SessionID != 0 })
	if got := p2.dialed(); got.SessionID != 44 {
		t.Errorf("retry reused target %+v", got)
	}
}

func TestTerminalAuthCloseFails(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	h.prov(t, 0).updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)

	h.mu.Lock()
	tm := h.terminals[0]
	h.mu.Unlock()
	tm.drop(fmt.Errorf("closed: %w", client.ErrAuthExpired))

	s := waitPhase(t, h.ctrl, PhaseFailed)
	if !s.AuthExpired || !errors.Is(s.Err, client.ErrAuthExpired) {
		t.Errorf("snapshot = %+v, want auth expired", s)
	}
	time.Sleep(20 * time.Millisecond)
	if n := h.terminalCount(); n != 1 {
		t.Errorf("terminal reopened: %d opened", n)
	}
	if err := h.ctrl.Retry(); !errors.Is(err, ErrNotAllowed) {
		t.Errorf("Retry() after auth failure = %v", err)
	}
}

func TestTerminalGenericCloseKeepsSubmit(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42), submitErr: errors.New("grader down")}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	h.prov(t, 0).updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)

	h.mu.Lock()
	tm := h.terminals[0]
	h.mu.Unlock()
	tm.drop(client.ErrConnectionClosed)
	waitFor(t, "terminal closed", func() bool { return !h.ctrl.Snapshot().TerminalOpen })

	s := h.ctrl.Snapshot()
	if s.Phase != PhaseInteractive || !errors.Is(s.Err, client.ErrConnectionClosed) {
		t.Errorf("snapshot = %+v", s)
	}

	if err := h.ctrl.Submit(); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	s = waitPhase(t, h.ctrl, PhaseDone)
	if s.SubmitErr == nil || s.SubmitErr.Error() != "grader down" {
		t.Errorf("SubmitErr = %v", s.SubmitErr)
	}
}

func TestSubmitClosesTerminal(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42)}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	h.prov(t, 0).updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)

	h.ctrl.Submit()
	s := waitPhase(t, h.ctrl, PhaseDone)
	if s.SubmitErr != nil || s.TerminalOpen {
		t.Errorf("snapshot = %+v", s)
	}
	h.mu.Lock()
	closes := h.terminals[0].closes
	h.mu.Unlock()
	if closes == 0 {
		t.Error("terminal not closed on submit")
	}
	if _, _, _, submits := lc.counts(); submits != 1 {
		t.Errorf("Submit called %d times", submits)
	}
}

func TestStartWhileCreating(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42), release: make(chan struct{})}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	waitPhase(t, h.ctrl, PhaseStarting)

	if err := h.ctrl.Start(3, 5); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start() = %v, want ErrBusy", err)
	}
	close(lc.release)
	waitPhase(t, h.ctrl, PhaseProvisioning)
	if _, creates, _, _ := lc.counts(); creates != 1 {
		t.Errorf("Create called %d times", creates)
	}
}

func TestStaleCreateDiscardedAfterClose(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42), release: make(chan struct{})}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	waitPhase(t, h.ctrl, PhaseStarting)

	h.ctrl.Close()
	close(lc.release)
	time.Sleep(20 * time.Millisecond)

	if s := h.ctrl.Snapshot(); s.Phase != PhaseClosed {
		t.Errorf("phase = %s after stale create, want closed", s.Phase)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.provs) != 0 {
		t.Error("stale create opened a provisioning stream")
	}
}

func TestStaleProvisioningUpdatesIgnored(t *testing.T) {
	lc := &fakeLifecycle{session: newSession(42)}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	old := h.prov(t, 0)
	lost := progressUpdate(progress.KindError, "lost", 10, client.ProvisioningLost)
	lost.Err = client.ErrConnectionLost
	old.updates <- lost
	waitPhase(t, h.ctrl, PhaseFailed)

	h.ctrl.Retry()
	h.prov(t, 1)
	waitPhase(t, h.ctrl, PhaseProvisioning)

	old.updates <- handoffUpdate(42)
	time.Sleep(20 * time.Millisecond)
	if s := h.ctrl.Snapshot(); s.Phase != PhaseProvisioning {
		t.Errorf("stale hand-off moved controller to %s", s.Phase)
	}
	if h.terminalCount() != 0 {
		t.Error("stale hand-off opened a terminal")
	}
}

func TestLogoutClosesChannels(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	h.prov(t, 0).updates <- handoffUpdate(42)
	waitPhase(t, h.ctrl, PhaseInteractive)

	h.creds.Clear()
	s := waitPhase(t, h.ctrl, PhaseFailed)
	if !s.AuthExpired || s.TerminalOpen {
		t.Errorf("snapshot = %+v", s)
	}
	if h.ctrl.Terminal() != nil {
		t.Error("terminal still exposed after logout")
	}
}

func TestFatalCheckError(t *testing.T) {
	lc := &fakeLifecycle{checkErr: &client.APIError{Status: http.StatusForbidden}}
	h := newHarness(t, lc)
	h.ctrl.Start(3, 5)
	s := waitPhase(t, h.ctrl, PhaseFailed)
	if !errors.Is(s.Err, client.ErrForbidden) {
		t.Errorf("Err = %v", s.Err)
	}
	if _, creates, _, _ := lc.counts(); creates != 0 {
		t.Error("Create called after forbidden probe")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeLifecycle{session: newSession(42)})
	h.ctrl.Start(3, 5)
	p := h.prov(t, 0)
	waitPhase(t, h.ctrl, PhaseProvisioning)

	h.ctrl.Close()
	h.ctrl.Close()
	if !p.isClosed() {
		t.Error("provisioning channel not closed by Close")
	}
	if err := h.ctrl.Start(3, 5); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close = %v", err)
	}
	for range h.ctrl.Updates() {
	}
}

// TestEndToEnd drives the controller with the real channels against a
// local WebSocket server.
func TestEndToEnd(t *testing.T) {
	upgrader := websocket.Upgrader{}
	terminals := make(chan struct{}, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		switch {
		case strings.HasPrefix(r.URL.Path, "/ws/pod-logs"):
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress","message":"Creating VM","metadata":{"percentage":20}}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"terminal_ready","message":"Ready"}`))
		case r.URL.Path == "/ws/terminal/42":
			terminals <- struct{}{}
			conn.WriteMessage(websocket.TextMessage, []byte("$ "))
			time.Sleep(50 * time.Millisecond)
			conn.UnderlyingConn().Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()
	origin := "ws" + strings.TrimPrefix(ts.URL, "http")

	s := newSession(42)
	s.StreamTarget.URL = origin + "/ws/pod-logs?podName=vm-42"
	ctrl := New(Options{
		Lifecycle:      &fakeLifecycle{session: s},
		NewProvisioner: func() Provisioner { return client.NewProvisioningChannel(nil) },
		NewTerminal:    func() Terminal { return client.NewTerminalChannel(nil, client.TerminalOptions{}) },
	})
	defer ctrl.Close()

	ctrl.Start(3, 5)
	snap := waitPhase(t, ctrl, PhaseFailed)
	if !snap.AuthExpired || snap.Percentage != 100 {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(terminals) != 1 {
		t.Errorf("terminal endpoint dialed %d times, want 1", len(terminals))
	}
}
