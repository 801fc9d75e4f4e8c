// Package session orchestrates one lab attempt: it probes for an existing
// session, creates a new one, follows provisioning, hands the connection over
// to the interactive terminal and finally submits or tears everything down.
//
// All state lives on a single goroutine. Network calls run on helper
// goroutines and post their results back tagged with the epoch they were
// started in; results from an earlier epoch are discarded so a slow response
// can never move the state machine backwards.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lab-practice/labterm/internal/auth"
	"github.com/lab-practice/labterm/internal/client"
	"github.com/lab-practice/labterm/internal/progress"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseCheckingExisting Phase = "checking_existing"
	PhaseConflict         Phase = "conflict"
	PhaseStarting         Phase = "starting"
	PhaseProvisioning     Phase = "provisioning"
	PhaseInteractive      Phase = "interactive"
	PhaseFailed           Phase = "failed"
	PhaseSubmitting       Phase = "submitting"
	PhaseDone             Phase = "done"
	PhaseClosed           Phase = "closed"
)

var (
	// ErrBusy is returned when a request is already in flight.
	ErrBusy = errors.New("session: operation already in progress")
	// ErrNotAllowed is returned for an action the current phase does not offer.
	ErrNotAllowed = errors.New("session: action not allowed now")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")
)

const maxEvents = 200

// Lifecycle is the REST side of a session.
type Lifecycle interface {
	CheckActive(ctx context.Context, labID, userID int64) (*client.ActiveSession, error)
	Create(ctx context.Context, labID, userID int64) (*client.LabSession, error)
	Delete(ctx context.Context, sessionID int64) error
	Submit(ctx context.Context, sessionID int64) error
}

// Provisioner follows the provisioning stream of one session.
type Provisioner interface {
	Connect(ctx context.Context, target client.StreamTarget) (<-chan client.ProvisioningUpdate, error)
	Close() error
}

// Terminal is the interactive stream opened after hand-off.
type Terminal interface {
	Connect(ctx context.Context, target client.StreamTarget) error
	Send(b []byte) error
	OnData(fn func([]byte))
	Resize(cols, rows int)
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Options wires a Controller to its collaborators.
type Options struct {
	Lifecycle Lifecycle
	// Auth is watched for logout. Optional.
	Auth           auth.Source
	NewProvisioner func() Provisioner
	NewTerminal    func() Terminal
	// RequestTimeout bounds each REST call. Zero means no extra bound.
	RequestTimeout time.Duration
}

// Snapshot is the state exposed to the presentation layer.
type Snapshot struct {
	Phase     Phase
	LabID     int64
	UserID    int64
	SessionID int64

	Percentage  int
	PhaseLabel  string
	LastMessage string
	Events      []client.ProvisioningEvent

	// Existing is the session found by the probe while in PhaseConflict.
	Existing *client.ActiveSession

	Err         error
	SubmitErr   error
	AuthExpired bool

	TerminalOpen bool
	Busy         bool
}

// Controller drives one lab attempt. Methods are safe for concurrent use.
type Controller struct {
	lifecycle      Lifecycle
	newProvisioner func() Provisioner
	newTerminal    func() Terminal
	timeout        time.Duration
	unsubscribe    func()

	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	updates   chan Snapshot
	closeOnce sync.Once

	mu        sync.RWMutex
	published Snapshot
	terminal  Terminal

	// Owned by the loop goroutine.
	snap     Snapshot
	epoch    uint64
	creating bool
	prov     Provisioner
	term     Terminal
	cancel   context.CancelFunc
}

// New creates a controller and starts its loop. Call Close when done.
func New(opts Options) *Controller {
	c := &Controller{
		lifecycle:      opts.Lifecycle,
		newProvisioner: opts.NewProvisioner,
		newTerminal:    opts.NewTerminal,
		timeout:        opts.RequestTimeout,
		inbox:          make(chan func(), 64),
		quit:           make(chan struct{}),
		loopDone:       make(chan struct{}),
		updates:        make(chan Snapshot, 1),
		snap:           Snapshot{Phase: PhaseIdle, PhaseLabel: progress.PhasePending},
	}
	c.published = c.snap
	if opts.Auth != nil {
		c.unsubscribe = opts.Auth.Subscribe(func(cr auth.Credentials) {
			if !cr.Valid() {
				c.send(c.onLogout)
			}
		})
	}
	go c.loop()
	return c
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published
}

// Updates delivers the latest snapshot after every change. Intermediate
// snapshots may be skipped when the reader is slow. The channel is closed by
// Close.
func (c *Controller) Updates() <-chan Snapshot {
	return c.updates
}

// Terminal returns the open interactive channel, or nil.
func (c *Controller) Terminal() Terminal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.terminal
}

// Start probes for an existing session of labID and, if there is none,
// creates one and follows its provisioning.
func (c *Controller) Start(labID, userID int64) error {
	return c.call(func() error {
		switch c.snap.Phase {
		case PhaseIdle, PhaseFailed, PhaseDone:
		default:
			if c.snap.Busy || c.creating {
				return ErrBusy
			}
			return fmt.Errorf("%w: start during %s", ErrNotAllowed, c.snap.Phase)
		}
		c.teardown()
		c.snap = Snapshot{LabID: labID, UserID: userID, PhaseLabel: progress.PhasePending}
		c.check()
		return nil
	})
}

// Retry starts over with a brand-new session after a failure.
func (c *Controller) Retry() error {
	return c.call(func() error {
		if c.snap.Phase != PhaseFailed {
			return fmt.Errorf("%w: retry during %s", ErrNotAllowed, c.snap.Phase)
		}
		if c.snap.AuthExpired {
			return fmt.Errorf("%w: %w", ErrNotAllowed, client.ErrAuthExpired)
		}
		c.teardown()
		c.snap = Snapshot{LabID: c.snap.LabID, UserID: c.snap.UserID, PhaseLabel: progress.PhasePending}
		c.check()
		return nil
	})
}

// DeleteExisting deletes the session that caused a conflict and probes again.
func (c *Controller) DeleteExisting() error {
	return c.call(func() error {
		if c.snap.Phase != PhaseConflict {
			return fmt.Errorf("%w: delete during %s", ErrNotAllowed, c.snap.Phase)
		}
		if c.snap.Busy {
			return ErrBusy
		}
		if c.snap.Existing == nil || c.snap.Existing.SessionID == 0 {
			return fmt.Errorf("%w: existing session id unknown", ErrNotAllowed)
		}
		id := c.snap.Existing.SessionID
		ep := c.epoch
		c.snap.Busy = true
		c.snap.Err = nil
		c.publish()
		go func() {
			ctx, cancel := c.requestContext()
			defer cancel()
			err := c.lifecycle.Delete(ctx, id)
			c.post(ep, func() {
				c.snap.Busy = false
				if err != nil {
					log.Printf("session: delete %d: %v", id, err)
					c.snap.Err = err
					c.publish()
					return
				}
				log.Printf("session: deleted existing session %d", id)
				c.check()
			})
		}()
		return nil
	})
}

// Submit closes the terminal and finalizes the session. A failed submit is
// recorded in SubmitErr and the controller still reaches PhaseDone.
func (c *Controller) Submit() error {
	return c.call(func() error {
		switch c.snap.Phase {
		case PhaseInteractive:
		case PhaseSubmitting:
			return ErrBusy
		default:
			return fmt.Errorf("%w: submit during %s", ErrNotAllowed, c.snap.Phase)
		}
		c.teardown()
		id := c.snap.SessionID
		ep := c.epoch
		c.snap.Busy = true
		c.setPhase(PhaseSubmitting)
		go func() {
			ctx, cancel := c.requestContext()
			defer cancel()
			err := c.lifecycle.Submit(ctx, id)
			c.post(ep, func() {
				c.snap.Busy = false
				if err != nil {
					log.Printf("session: submit %d failed: %v", id, err)
					c.snap.SubmitErr = err
				}
				c.setPhase(PhaseDone)
			})
		}()
		return nil
	})
}

// Close tears down whichever channel is open and stops the controller. It
// returns once every connection is closed. It is safe to call more than once.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		c.send(func() {
			c.teardown()
			c.snap.Busy = false
			c.setPhase(PhaseClosed)
			close(done)
		})
		<-done
		close(c.quit)
		<-c.loopDone
		close(c.updates)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
	})
	return nil
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

// send queues fn for the loop. It gives up once the controller is closed.
func (c *Controller) send(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and returns its result.
func (c *Controller) call(fn func() error) error {
	res := make(chan error, 1)
	if !c.send(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-c.quit:
		return ErrClosed
	}
}

// post runs fn on the loop only if no teardown happened since ep.
func (c *Controller) post(ep uint64, fn func()) {
	c.send(func() {
		if ep != c.epoch || c.snap.Phase == PhaseClosed {
			return
		}
		fn()
	})
}

func (c *Controller) requestContext() (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(context.Background(), c.timeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Controller) check() {
	ep := c.epoch
	labID, userID := c.snap.LabID, c.snap.UserID
	c.snap.Busy = true
	c.snap.Existing = nil
	c.setPhase(PhaseCheckingExisting)
	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		active, err := c.lifecycle.CheckActive(ctx, labID, userID)
		c.post(ep, func() { c.onChecked(active, err) })
	}()
}

func (c *Controller) onChecked(active *client.ActiveSession, err error) {
	c.snap.Busy = false
	switch {
	case err != nil && client.IsFatal(err):
		c.fail(err)
		return
	case err != nil:
		// The server rejects duplicates on create, so a failed probe is not
		// a reason to stop.
		log.Printf("session: check-active lab %d: %v", c.snap.LabID, err)
	case active != nil && active.HasActiveSession:
		c.snap.Existing = active
		c.setPhase(PhaseConflict)
		return
	}
	c.create()
}

func (c *Controller) create() {
	if c.creating {
		return
	}
	c.creating = true
	ep := c.epoch
	labID, userID := c.snap.LabID, c.snap.UserID

	c.snap.Percentage = 0
	c.snap.PhaseLabel = progress.PhasePending
	c.snap.LastMessage = ""
	c.snap.Events = nil
	c.snap.SessionID = 0
	c.snap.Busy = true
	c.setPhase(PhaseStarting)

	go func() {
		ctx, cancel := c.requestContext()
		defer cancel()
		s, err := c.lifecycle.Create(ctx, labID, userID)
		var existing *client.ActiveSession
		if errors.Is(err, client.ErrConflict) {
			if active, probeErr := c.lifecycle.CheckActive(ctx, labID, userID); probeErr == nil && active.HasActiveSession {
				existing = active
			}
		}
		c.send(func() {
			c.creating = false
			if ep != c.epoch || c.snap.Phase == PhaseClosed {
				if s != nil {
					log.Printf("session: discarding session %d created by a superseded attempt", s.ID)
				}
				return
			}
			c.onCreated(s, existing, err)
		})
	}()
}

func (c *Controller) onCreated(s *client.LabSession, existing *client.ActiveSession, err error) {
	c.snap.Busy = false
	if errors.Is(err, client.ErrConflict) {
		c.snap.Existing = existing
		c.snap.Err = err
		c.setPhase(PhaseConflict)
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	log.Printf("session: created session %d for lab %d", s.ID, s.LabID)
	c.snap.SessionID = s.ID
	c.setPhase(PhaseProvisioning)
	c.openProvisioning(s.StreamTarget)
}

func (c *Controller) openProvisioning(target client.StreamTarget) {
	p := c.newProvisioner()
	c.prov = p
	ep := c.epoch
	c.cancelDial()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		updates, err := p.Connect(ctx, target)
		if err != nil {
			c.post(ep, func() { c.fail(err) })
			return
		}
		for u := range updates {
			u := u // per-iteration copy (go directive < 1.22 shares loop vars)
			c.post(ep, func() { c.onProvisioning(u) })
		}
	}()
}

func (c *Controller) onProvisioning(u client.ProvisioningUpdate) {
	if c.snap.Phase != PhaseProvisioning {
		return
	}
	ev := u.Event
	c.snap.Events = append(c.snap.Events, ev)
	if n := len(c.snap.Events); n > maxEvents {
		c.snap.Events = c.snap.Events[n-maxEvents:]
	}
	if ev.Percentage >= c.snap.Percentage {
		c.snap.Percentage = ev.Percentage
		c.snap.PhaseLabel = ev.PhaseLabel
	}
	if ev.RawMessage != "" {
		c.snap.LastMessage = ev.RawMessage
	}

	switch u.State {
	case client.ProvisioningHandoff:
		c.closeProvisioning()
		if c.term != nil || u.Handoff == nil {
			c.publish()
			return
		}
		c.openTerminal(*u.Handoff)
	case client.ProvisioningFailed, client.ProvisioningLost:
		c.fail(u.Err)
	default:
		c.publish()
	}
}

func (c *Controller) openTerminal(target client.StreamTarget) {
	t := c.newTerminal()
	c.term = t
	c.cancelDial()
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if err := t.Connect(ctx, target); err != nil {
		c.fail(err)
		return
	}
	log.Printf("session: terminal hand-off to %s", target.Redacted())
	c.mu.Lock()
	c.terminal = t
	c.mu.Unlock()
	c.snap.TerminalOpen = true
	c.setPhase(PhaseInteractive)

	ep := c.epoch
	go func() {
		select {
		case <-t.Done():
			c.post(ep, func() { c.onTerminalDone(t) })
		case <-c.quit:
		}
	}()
}

func (c *Controller) onTerminalDone(t Terminal) {
	if c.term != t {
		return
	}
	err := t.Err()
	if errors.Is(err, client.ErrAuthExpired) {
		c.fail(err)
		return
	}
	c.closeTerminal()
	if err != nil {
		c.snap.Err = err
	}
	c.publish()
}

func (c *Controller) onLogout() {
	switch c.snap.Phase {
	case PhaseIdle, PhaseDone, PhaseClosed:
		c.snap.AuthExpired = true
		c.publish()
		return
	}
	log.Printf("session: credentials cleared, closing lab session %d", c.snap.SessionID)
	c.fail(client.ErrAuthExpired)
}

// fail tears down all connections and moves to PhaseFailed.
func (c *Controller) fail(err error) {
	c.teardown()
	c.snap.Busy = false
	c.snap.Err = err
	c.snap.AuthExpired = errors.Is(err, client.ErrAuthExpired)
	log.Printf("session: lab %d failed: %v", c.snap.LabID, err)
	c.setPhase(PhaseFailed)
}

// teardown closes whichever channel is open and invalidates every result
// still in flight.
func (c *Controller) teardown() {
	c.epoch++
	c.cancelDial()
	c.closeProvisioning()
	c.closeTerminal()
}

// cancelDial releases the context of the stream opened last.
func (c *Controller) cancelDial() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) closeProvisioning() {
	if c.prov == nil {
		return
	}
	if err := c.prov.Close(); err != nil {
		log.Printf("session: close provisioning stream: %v", err)
	}
	c.prov = nil
}

func (c *Controller) closeTerminal() {
	if c.term == nil {
		return
	}
	if err := c.term.Close(); err != nil {
		log.Printf("session: close terminal: %v", err)
	}
	c.term = nil
	c.snap.TerminalOpen = false
	c.mu.Lock()
	c.terminal = nil
	c.mu.Unlock()
}

func (c *Controller) setPhase(p Phase) {
	c.snap.Phase = p
	c.publish()
}

func (c *Controller) publish() {
	s := c.snap
	s.Events = append([]client.ProvisioningEvent(nil), c.snap.Events...)
	c.mu.Lock()
	c.published = s
	c.mu.Unlock()

	select {
	case <-c.updates:
	default:
	}
	c.updates <- s
}
