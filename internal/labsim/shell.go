package labsim

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Shell is the process behind a terminal connection.
type Shell interface {
	io.ReadWriteCloser
}

// ptyShell runs a command under a pseudo-terminal.
type ptyShell struct {
	ptmx *os.File
	cmd  *exec.Cmd
	once sync.Once
}

func startPTYShell(command string, pod string) (*ptyShell, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"LAB_POD="+pod,
	)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start shell with PTY: %w", err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})
	return &ptyShell{ptmx: ptmx, cmd: cmd}, nil
}

func (s *ptyShell) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *ptyShell) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *ptyShell) Close() error {
	s.once.Do(func() {
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

// echoShell is a line-oriented stand-in for a real shell. It echoes input
// and answers each line with a fresh prompt.
type echoShell struct {
	prompt string

	mu     sync.Mutex
	line   bytes.Buffer
	out    chan []byte
	closed bool
}

func newEchoShell(pod string) *echoShell {
	s := &echoShell{
		prompt: "student@" + pod + ":~$ ",
		out:    make(chan []byte, 64),
	}
	s.out <- []byte("Welcome to " + pod + "\r\n" + s.prompt)
	return s
}

func (s *echoShell) Read(p []byte) (int, error) {
	b, ok := <-s.out
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (s *echoShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	var echo bytes.Buffer
	for _, c := range p {
		switch c {
		case '\r', '\n':
			s.line.Reset()
			echo.WriteString("\r\n" + s.prompt)
		case 0x7f, 0x08:
			if n := s.line.Len(); n > 0 {
				s.line.Truncate(n - 1)
				echo.WriteString("\b \b")
			}
		default:
			s.line.WriteByte(c)
			echo.WriteByte(c)
		}
	}
	if echo.Len() > 0 {
		select {
		case s.out <- echo.Bytes():
		default:
			return 0, fmt.Errorf("echo shell: output backlog full")
		}
	}
	return len(p), nil
}

func (s *echoShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
