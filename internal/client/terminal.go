package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second

	defaultBacklogBytes = 64 << 10
	defaultSendQueue    = 256
)

// DefaultAuthCloseCodes are the close codes the platform uses when it drops a
// terminal because the token is no longer valid.
var DefaultAuthCloseCodes = []int{websocket.CloseAbnormalClosure, websocket.CloseProtocolError}

// TerminalOptions tunes a TerminalChannel. Zero values select defaults.
type TerminalOptions struct {
	// AuthCloseCodes are close codes reported as ErrAuthExpired.
	AuthCloseCodes []int
	// BacklogBytes bounds output retained while no OnData sink is set.
	BacklogBytes int
	// SendQueue is the number of Send calls buffered before the connection
	// opens.
	SendQueue int
}

// TerminalChannel relays bytes between a terminal surface and a remote shell
// over one WebSocket connection. A channel is single use: Connect may be
// called once, and after Close no further bytes are sent.
type TerminalChannel struct {
	dialer     *websocket.Dialer
	authCodes  map[int]bool
	backlogMax int

	out      chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sinkMu sync.Mutex // serialises sink calls so output stays ordered

	mu          sync.Mutex
	started     bool
	closed      bool
	conn        *websocket.Conn
	cancel      context.CancelFunc
	err         error
	sink        func([]byte)
	backlog     [][]byte
	backlogSize int
	cols, rows  int
}

// NewTerminalChannel creates an unconnected channel. A nil dialer uses
// websocket.DefaultDialer.
func NewTerminalChannel(dialer *websocket.Dialer, opts TerminalOptions) *TerminalChannel {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	codes := opts.AuthCloseCodes
	if codes == nil {
		codes = DefaultAuthCloseCodes
	}
	authCodes := make(map[int]bool, len(codes))
	for _, code := range codes {
		authCodes[code] = true
	}
	if opts.BacklogBytes <= 0 {
		opts.BacklogBytes = defaultBacklogBytes
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	return &TerminalChannel{
		dialer:     dialer,
		authCodes:  authCodes,
		backlogMax: opts.BacklogBytes,
		out:        make(chan []byte, opts.SendQueue),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Connect starts dialing target in the background and returns immediately.
// Input sent before the connection opens is queued and flushed in order once
// it does. Done is closed when the connection ends for any reason.
func (c *TerminalChannel) Connect(ctx context.Context, target StreamTarget) error {
	dialURL, err := target.DialURL()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTerminalClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, dialURL, target)
	return nil
}

// Send queues b for transmission. b is copied. It returns ErrTerminalClosed
// after Close, and the close reason once the connection has ended.
func (c *TerminalChannel) Send(b []byte) error {
	c.mu.Lock()
	closed, err := c.closed, c.err
	c.mu.Unlock()
	if closed {
		return ErrTerminalClosed
	}
	select {
	case <-c.done:
		if err == nil {
			err = ErrConnectionClosed
		}
		return err
	default:
	}

	buf := make([]byte, len(b))
	copy(buf, b)
	select {
	case c.out <- buf:
		return nil
	case <-c.stop:
		return ErrTerminalClosed
	}
}

// OnData sets the sink for inbound bytes, replacing any previous one. Output
// that arrived while no sink was set is delivered to fn first. A nil fn
// detaches the sink and output is retained again. fn must not call OnData.
func (c *TerminalChannel) OnData(fn func([]byte)) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	c.mu.Lock()
	c.sink = fn
	var pending [][]byte
	if fn != nil {
		pending = c.backlog
		c.backlog = nil
		c.backlogSize = 0
	}
	c.mu.Unlock()

	for _, b := range pending {
		fn(b)
	}
}

// Resize records the size of the local surface after a re-fit. The
// connection is left untouched.
func (c *TerminalChannel) Resize(cols, rows int) {
	c.mu.Lock()
	c.cols, c.rows = cols, rows
	c.mu.Unlock()
}

// Size returns the last size passed to Resize.
func (c *TerminalChannel) Size() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Done is closed when the connection has ended.
func (c *TerminalChannel) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the connection is
// live and after an owner-initiated Close. A close code listed in
// AuthCloseCodes yields a *CloseError wrapping ErrAuthExpired; any other end
// wraps ErrConnectionClosed.
func (c *TerminalChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal close frame, tears down the connection and waits for
// its goroutines to exit. It is safe to call more than once.
func (c *TerminalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		return nil
	}
	c.closed = true
	conn, cancel, started := c.conn, c.cancel, c.started
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
	if started {
		<-c.done
	} else {
		close(c.done)
	}
	return nil
}

func (c *TerminalChannel) run(ctx context.Context, dialURL string, target StreamTarget) {
	defer close(c.done)

	conn, resp, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		c.finish(dialError("terminal", target, resp, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.finish(nil)
		return
	}
	c.conn = conn
	c.mu.Unlock()
	log.Printf("terminal stream connected: %s", target.Redacted())

	writerDone := make(chan struct{})
	go c.writePump(conn, writerDone)

	err = c.readPump(conn)

	c.stopOnce.Do(func() { close(c.stop) })
	<-writerDone
	conn.Close()
	c.finish(c.closeReason(err))
}

func (c *TerminalChannel) readPump(conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		c.deliver(data)
	}
}

func (c *TerminalChannel) writePump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case b := <-c.out:
			select {
			case <-c.stop:
				return
			default:
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Printf("terminal write error: %v", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *TerminalChannel) deliver(b []byte) {
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	c.mu.Lock()
	fn := c.sink
	if fn == nil {
		c.retain(b)
	}
	c.mu.Unlock()

	if fn != nil {
		fn(b)
	}
}

// retain appends b to the backlog, dropping the oldest output beyond the
// limit. Callers hold c.mu.
func (c *TerminalChannel) retain(b []byte) {
	if len(b) > c.backlogMax {
		b = b[len(b)-c.backlogMax:]
	}
	c.backlog = append(c.backlog, b)
	c.backlogSize += len(b)
	for c.backlogSize > c.backlogMax {
		c.backlogSize -= len(c.backlog[0])
		c.backlog = c.backlog[1:]
	}
}

func (c *TerminalChannel) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.err = nil
		return
	}
	c.err = err
	if err != nil {
		log.Printf("terminal stream ended: %v", err)
	}
}

func (c *TerminalChannel) closeReason(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if c.authCodes[ce.Code] {
			return &CloseError{Code: ce.Code, Reason: ce.Text, err: ErrAuthExpired}
		}
		return &CloseError{Code: ce.Code, Reason: ce.Text, err: ErrConnectionClosed}
	}
	return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
}
