// Package console hands the user's terminal to a remote shell. While
// attached, the local TTY is in raw mode, every keystroke is forwarded as-is
// and remote output is written straight to the screen.
package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/muesli/cancelreader"
	"golang.org/x/term"
)

// ErrEnded is returned by Run when the remote side closed the stream.
var ErrEnded = errors.New("console: remote terminal closed")

// DefaultDetachKey is ctrl+].
const DefaultDetachKey byte = 0x1d

// Conn is the remote end of the relay.
type Conn interface {
	Send(b []byte) error
	OnData(fn func([]byte))
	Resize(cols, rows int)
	Done() <-chan struct{}
}

// Attach relays a local TTY to a Conn. It implements tea.ExecCommand so a
// Bubble Tea program can release the screen for the duration of Run.
type Attach struct {
	conn   Conn
	detach byte
	banner string

	stdin  io.Reader
	stdout io.Writer
}

// New creates an Attach that returns from Run when detach is typed.
func New(conn Conn, detach byte) *Attach {
	return &Attach{
		conn:   conn,
		detach: detach,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
}

// WithBanner sets a line printed before the relay starts.
func (a *Attach) WithBanner(s string) *Attach {
	a.banner = s
	return a
}

func (a *Attach) SetStdin(r io.Reader)  { a.stdin = r }
func (a *Attach) SetStdout(w io.Writer) { a.stdout = w }
func (a *Attach) SetStderr(io.Writer)   {}

// Run relays until the detach key is pressed (nil), the remote side closes
// (ErrEnded) or stdin fails.
func (a *Attach) Run() error {
	out := &lockedWriter{w: a.stdout}

	if f, ok := a.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		state, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("console: raw mode: %w", err)
		}
		defer term.Restore(int(f.Fd()), state)
	}

	if a.banner != "" {
		out.Write([]byte(strings.ReplaceAll(a.banner, "\n", "\r\n") + "\r\n"))
	}

	a.fit()
	winch := make(chan os.Signal, 1)
	stopWinch := notifyResize(winch)
	defer stopWinch()

	a.conn.OnData(func(b []byte) { out.Write(b) })
	defer a.conn.OnData(nil)

	reader, err := cancelreader.NewReader(a.stdin)
	if err != nil {
		return fmt.Errorf("console: stdin: %w", err)
	}
	defer reader.Close()

	inputDone := make(chan error, 1)
	go func() { inputDone <- a.pump(reader) }()

	var result error
	inputFinished := false
loop:
	for {
		select {
		case err := <-inputDone:
			result = err
			inputFinished = true
			break loop
		case <-a.conn.Done():
			result = ErrEnded
			break loop
		case <-winch:
			a.fit()
		}
	}

	if !inputFinished && reader.Cancel() {
		<-inputDone
	}
	return result
}

// pump forwards stdin until the detach key. Bytes typed before the detach key
// in the same read are still sent.
func (a *Attach) pump(r io.Reader) error {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			i := bytes.IndexByte(chunk, a.detach)
			if i >= 0 {
				chunk = chunk[:i]
			}
			if len(chunk) > 0 {
				if sendErr := a.conn.Send(chunk); sendErr != nil {
					return sendErr
				}
			}
			if i >= 0 {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, cancelreader.ErrCanceled) {
				return nil
			}
			return fmt.Errorf("console: read stdin: %w", err)
		}
	}
}

func (a *Attach) fit() {
	f, ok := a.stdout.(*os.File)
	if !ok {
		return
	}
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil {
		log.Printf("console: terminal size: %v", err)
		return
	}
	a.conn.Resize(cols, rows)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// ParseDetachKey converts a key name such as "ctrl+]" or "ctrl+q" to the
// control byte it produces in raw mode.
func ParseDetachKey(name string) (byte, error) {
	if name == "" {
		return DefaultDetachKey, nil
	}
	k := strings.ToLower(strings.TrimSpace(name))
	rest, ok := strings.CutPrefix(k, "ctrl+")
	if !ok || len(rest) != 1 {
		return 0, fmt.Errorf("detach key %q: want ctrl+<key>", name)
	}
	switch c := rest[0]; {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c == '[':
		return 0x1b, nil
	case c == '\\':
		return 0x1c, nil
	case c == ']':
		return 0x1d, nil
	case c == '^':
		return 0x1e, nil
	case c == '_':
		return 0x1f, nil
	}
	return 0, fmt.Errorf("detach key %q: unsupported key", name)
}
