package labsim

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

func (s *Server) handlePodLogs(w http.ResponseWriter, r *http.Request) {
	pod := r.URL.Query().Get("podName")
	id, err := strconv.ParseInt(strings.TrimPrefix(pod, "vm-"), 10, 64)
	if err != nil || !strings.HasPrefix(pod, "vm-") {
		writeError(w, http.StatusBadRequest, "invalid podName")
		return
	}
	st, ok := s.store.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("labsim: pod-logs upgrade error: %v", err)
		return
	}
	defer conn.Close()
	s.metrics.streams.WithLabelValues("pod-logs").Inc()
	defer s.metrics.streams.WithLabelValues("pod-logs").Dec()
	log.Printf("labsim: pod-logs client connected for %s: %s", pod, r.RemoteAddr)

	if st.Status == StatusPending {
		s.store.SetStatus(id, StatusProvisioning)
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.config.Stream.FrameInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for _, step := range Script(s.config.Stream.Scenario, pod) {
		select {
		case <-gone:
			return
		case <-ticker.C:
		}
		if step.Drop {
			log.Printf("labsim: dropping pod-logs stream for %s", pod)
			conn.UnderlyingConn().Close()
			return
		}
		data := []byte(step.Raw)
		if step.Frame != nil {
			data, _ = json.Marshal(step.Frame)
			s.metrics.framesSent.WithLabelValues(step.Frame.Type).Inc()
			switch step.Frame.Type {
			case "error":
				s.store.SetStatus(id, StatusFailed)
			case "terminal_ready":
				s.store.SetStatus(id, StatusRunning)
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// The script is over; the client closes once it has what it needs.
	select {
	case <-gone:
	case <-r.Context().Done():
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// terminalConn lets the REST handlers end a live terminal.
type terminalConn struct {
	end func(reason string)
}

func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, found := s.store.Get(id)
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if st.Status != StatusRunning {
		writeError(w, http.StatusConflict, "lab environment is not running")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("labsim: terminal upgrade error: %v", err)
		return
	}
	defer conn.Close()
	s.metrics.streams.WithLabelValues("terminal").Inc()
	defer s.metrics.streams.WithLabelValues("terminal").Dec()

	var sh Shell
	if cmd := s.config.Terminal.Shell; cmd != "" {
		sh, err = startPTYShell(cmd, podName(id))
		if err != nil {
			log.Printf("labsim: session %d: %v", id, err)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "shell unavailable"), time.Now().Add(writeWait))
			return
		}
	} else {
		sh = newEchoShell(podName(id))
	}
	defer sh.Close()
	log.Printf("labsim: terminal attached to session %d: %s", id, r.RemoteAddr)

	var writeMu sync.Mutex
	var once sync.Once
	tc := &terminalConn{}
	tc.end = func(reason string) {
		once.Do(func() {
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
			writeMu.Unlock()
			conn.SetReadDeadline(time.Now().Add(writeWait))
			sh.Close()
		})
	}
	s.attachTerminal(id, tc)
	defer s.detachTerminal(id, tc)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := sh.Read(buf)
			if n > 0 {
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n])
				writeMu.Unlock()
				if werr != nil {
					return
				}
			}
			if err != nil {
				tc.end("shell exited")
				return
			}
		}
	}()

	var rec lineRecorder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		for _, line := range rec.feed(data) {
			s.store.Record(id, line)
		}
		if _, err := sh.Write(data); err != nil {
			log.Printf("labsim: session %d shell write: %v", id, err)
			break
		}
	}
	log.Printf("labsim: terminal detached from session %d", id)
}

func (s *Server) attachTerminal(id int64, tc *terminalConn) {
	s.mu.Lock()
	old := s.terms[id]
	s.terms[id] = tc
	s.mu.Unlock()
	if old != nil {
		old.end("replaced by a new connection")
	}
}

func (s *Server) detachTerminal(id int64, tc *terminalConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terms[id] == tc {
		delete(s.terms, id)
	}
}

// endTerminal closes the live terminal of session id, if any.
func (s *Server) endTerminal(id int64, reason string) {
	s.mu.Lock()
	tc := s.terms[id]
	delete(s.terms, id)
	s.mu.Unlock()
	if tc != nil {
		tc.end(reason)
	}
}

// lineRecorder splits terminal input into command lines.
type lineRecorder struct {
	buf []byte
}

func (l *lineRecorder) feed(data []byte) []string {
	var lines []string
	for _, c := range data {
		switch c {
		case '\r', '\n':
			if len(l.buf) > 0 {
				lines = append(lines, string(l.buf))
				l.buf = l.buf[:0]
			}
		case 0x7f, 0x08:
			if len(l.buf) > 0 {
				l.buf = l.buf[:len(l.buf)-1]
			}
		default:
			if c >= 0x20 {
				l.buf = append(l.buf, c)
			}
		}
	}
	return lines
}

