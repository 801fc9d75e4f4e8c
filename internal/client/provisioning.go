package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lab-practice/labterm/internal/progress"
)

const (
	writeTimeout      = 10 * time.Second
	updateBuffer      = 16
	connectionMessage = "Connected to provisioning stream"
)

// ProvisioningChannel owns one connection to the provisioning log stream.
// Each Connect call opens exactly one connection and closes any previous one
// first. Updates are delivered in frame arrival order on the returned channel,
// which is closed once the connection is gone.
type ProvisioningChannel struct {
	dialer *websocket.Dialer

	opMu  sync.Mutex // serialises Connect and Close
	mu    sync.Mutex
	conn  *websocket.Conn
	stop  chan struct{}
	done  chan struct{}
	state ProvisioningState
}

// NewProvisioningChannel creates an idle channel. A nil dialer uses
// websocket.DefaultDialer.
func NewProvisioningChannel(dialer *websocket.Dialer) *ProvisioningChannel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &ProvisioningChannel{dialer: dialer}
}

// State returns the current lifecycle state.
func (c *ProvisioningChannel) State() ProvisioningState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials target and starts reading frames. The first update is a
// synthetic connection event at 10%, sent before any server frame.
func (c *ProvisioningChannel) Connect(ctx context.Context, target StreamTarget) (<-chan ProvisioningUpdate, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.closeLocked()

	dialURL, err := target.DialURL()
	if err != nil {
		return nil, err
	}
	c.setState(ProvisioningConnecting)

	conn, resp, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		c.setState(ProvisioningLost)
		return nil, dialError("provisioning", target, resp, err)
	}
	log.Printf("provisioning stream connected: %s", target.Redacted())

	stop := make(chan struct{})
	done := make(chan struct{})
	updates := make(chan ProvisioningUpdate, updateBuffer)

	c.mu.Lock()
	c.conn = conn
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, newProvisionTracker(target), updates, stop, done)
	return updates, nil
}

// Close closes the current connection, if any, and waits for its reader to
// exit. It is safe to call more than once.
func (c *ProvisioningChannel) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.closeLocked()
	return nil
}

func (c *ProvisioningChannel) closeLocked() {
	c.mu.Lock()
	conn, stop, done := c.conn, c.stop, c.done
	c.conn, c.stop, c.done = nil, nil, nil
	c.mu.Unlock()

	if conn != nil {
		close(stop)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		conn.Close()
		<-done
	}

	c.mu.Lock()
	switch c.state {
	case ProvisioningConnecting, ProvisioningActive:
		c.state = ProvisioningClosed
	}
	c.mu.Unlock()
}

func (c *ProvisioningChannel) setState(s ProvisioningState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *ProvisioningChannel) readLoop(conn *websocket.Conn, tr *provisionTracker, out chan<- ProvisioningUpdate, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer conn.Close()

	emit := func(u ProvisioningUpdate) bool {
		select {
		case <-stop:
			return false
		default:
		}
		c.setState(u.State)
		select {
		case out <- u:
			return true
		case <-stop:
			return false
		}
	}

	if !emit(tr.opened(time.Now())) {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			log.Printf("provisioning stream dropped: %v", err)
			emit(tr.lost(err, time.Now()))
			return
		}

		u, ok := tr.frame(data, time.Now())
		if !ok {
			continue
		}
		if u.State == ProvisioningHandoff || u.State == ProvisioningFailed {
			// The stream must be gone before anyone acts on the hand-off.
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			conn.Close()
			emit(u)
			return
		}
		if !emit(u) {
			return
		}
	}
}

// provisionTracker turns raw frames into updates for one connection. It is
// only touched by the reader goroutine.
type provisionTracker struct {
	target     StreamTarget
	percentage int
	state      ProvisioningState
}

func newProvisionTracker(target StreamTarget) *provisionTracker {
	return &provisionTracker{target: target, state: ProvisioningConnecting}
}

func (t *provisionTracker) opened(at time.Time) ProvisioningUpdate {
	res := progress.Classify(connectionMessage, progress.KindConnection, 0)
	t.percentage = res.Percentage
	t.state = ProvisioningActive
	return ProvisioningUpdate{
		State: t.state,
		Event: ProvisioningEvent{
			Kind:       progress.KindConnection,
			RawMessage: connectionMessage,
			Percentage: res.Percentage,
			PhaseLabel: res.Phase,
			At:         at,
		},
	}
}

// frame classifies one inbound payload. It reports false once the tracker
// has reached a terminal state.
func (t *provisionTracker) frame(data []byte, at time.Time) (ProvisioningUpdate, bool) {
	if t.state != ProvisioningActive {
		return ProvisioningUpdate{}, false
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || (f.Type == "" && f.Message == "") {
		log.Printf("%v: %q", ErrMalformedFrame, truncate(string(data), 120))
		return ProvisioningUpdate{
			State: t.state,
			Event: ProvisioningEvent{
				Kind:       progress.KindInfo,
				RawMessage: string(data),
				Percentage: t.percentage,
				PhaseLabel: progress.PhaseFor(t.percentage),
				Malformed:  true,
				At:         at,
			},
		}, true
	}

	kind := f.Type
	if kind == "" {
		kind = progress.KindInfo
	}
	res := progress.Classify(f.Message, kind, t.percentage)
	explicit := false
	if m := f.meta(); m != nil && m.Percentage != nil && kind != progress.KindWarning && kind != progress.KindError {
		pct := progress.Clamp(int(math.Round(*m.Percentage)))
		pct = max(pct, t.percentage)
		res = progress.Result{Percentage: pct, Phase: progress.PhaseFor(pct)}
		explicit = true
	}

	u := ProvisioningUpdate{
		State: ProvisioningActive,
		Event: ProvisioningEvent{
			Kind:       kind,
			RawMessage: f.Message,
			Explicit:   explicit,
			At:         at,
		},
	}

	switch {
	case kind == progress.KindError:
		t.state = ProvisioningFailed
		msg := f.Message
		if msg == "" {
			msg = "provisioning failed"
		}
		u.Err = &ProvisioningError{Message: msg}
	case kind == progress.KindTerminalReady || res.Percentage >= progress.Complete:
		res = progress.Result{Percentage: progress.Complete, Phase: progress.PhaseReady}
		next, err := t.handoffTarget(f.meta())
		if err != nil {
			t.state = ProvisioningFailed
			u.Err = fmt.Errorf("terminal hand-off: %w", err)
		} else {
			t.state = ProvisioningHandoff
			u.Handoff = &next
		}
	}

	t.percentage = res.Percentage
	u.State = t.state
	u.Event.Percentage = res.Percentage
	u.Event.PhaseLabel = res.Phase
	return u, true
}

func (t *provisionTracker) lost(cause error, at time.Time) ProvisioningUpdate {
	t.state = ProvisioningLost
	return ProvisioningUpdate{
		State: t.state,
		Err:   fmt.Errorf("%w: %v", ErrConnectionLost, cause),
		Event: ProvisioningEvent{
			Kind:       progress.KindError,
			RawMessage: ErrConnectionLost.Error(),
			Percentage: t.percentage,
			PhaseLabel: progress.PhaseFor(t.percentage),
			At:         at,
		},
	}
}

func (t *provisionTracker) handoffTarget(m *FrameMetadata) (StreamTarget, error) {
	if m != nil && m.TerminalURL != "" {
		return StreamTarget{URL: m.TerminalURL, Token: t.target.Token, SessionID: t.target.SessionID}, nil
	}
	return t.target.TerminalTarget()
}

// dialError wraps a failed handshake. A 401 or 403 from the upgrade request
// means the token was rejected.
func dialError(stream string, target StreamTarget, resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("connect %s stream %s: %w (status %d)", stream, target.Redacted(), ErrAuthExpired, resp.StatusCode)
		}
		if errors.Is(err, websocket.ErrBadHandshake) {
			return fmt.Errorf("connect %s stream %s: %w (status %d)", stream, target.Redacted(), err, resp.StatusCode)
		}
	}
	return fmt.Errorf("connect %s stream %s: %w", stream, target.Redacted(), err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
