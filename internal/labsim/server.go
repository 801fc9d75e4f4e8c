// Package labsim is a local stand-in for the lab platform: the session REST
// API, the provisioning log stream and the interactive terminal stream.
package labsim

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const writeWait = 5 * time.Second

type Server struct {
	config   *Config
	store    *Store
	metrics  *metrics
	upgrader websocket.Upgrader

	mu    sync.Mutex
	terms map[int64]*terminalConn
}

func NewServer(cfg *Config, store *Store) *Server {
	return &Server{
		config:  cfg,
		store:   store,
		metrics: newMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		terms: make(map[int64]*terminalConn),
	}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, s.requestID, s.instrument)

	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Route("/api", func(r chi.Router) {
			r.Post("/lab-sessions", s.handleCreate)
			r.Get("/lab-sessions/check-active/{labId}/{userId}", s.handleCheckActive)
			r.Delete("/lab-sessions/{id}", s.handleDelete)
			r.Post("/lab-sessions/{id}/submit", s.handleSubmit)
			r.Get("/labs/{id}", s.handleLab)
			r.Get("/labs/{id}/questions", s.handleQuestions)
			r.Post("/lab-validation/{sessionId}/check/{questionId}", s.handleCheck)
		})
		r.Get("/ws/pod-logs", s.handlePodLogs)
		r.Get("/ws/terminal/{id}", s.handleTerminal)
	})
	return r
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := "hijacked"
		if ww.Status() != 0 {
			code = strconv.Itoa(ww.Status())
		}
		s.metrics.requests.WithLabelValues(route, r.Method, code).Inc()
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.config.Server.AuthToken
	if token == "" {
		return true
	}
	if r.URL.Query().Get("token") == token {
		return true
	}
	if r.Header.Get("X-Lab-Token") == token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token
}

type createRequest struct {
	LabID  int64 `json:"labId"`
	UserID int64 `json:"userId"`
}

type createResponse struct {
	SessionID int64  `json:"sessionId"`
	Status    string `json:"status"`
	StartAt   string `json:"startAt"`
	SocketURL string `json:"socketUrl"`
}

type activeResponse struct {
	HasActiveSession bool   `json:"hasActiveSession"`
	SessionID        int64  `json:"sessionId,omitempty"`
	Status           string `json:"status,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LabID <= 0 || req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "labId and userId are required")
		return
	}
	lab, ok := s.config.Lab(req.LabID)
	if !ok {
		writeError(w, http.StatusNotFound, "lab not found")
		return
	}
	if !lab.enrolled(req.UserID) {
		writeError(w, http.StatusForbidden, "user is not enrolled in this lab")
		return
	}

	st, created := s.store.Create(req.LabID, req.UserID)
	if !created {
		writeError(w, http.StatusConflict, fmt.Sprintf("session %d is already active for this lab", st.ID))
		return
	}
	s.metrics.sessionsCreated.Inc()
	log.Printf("labsim: session %d created (lab %d, user %d)", st.ID, st.LabID, st.UserID)

	writeJSON(w, http.StatusCreated, createResponse{
		SessionID: st.ID,
		Status:    st.Status,
		StartAt:   st.StartAt.Format(time.RFC3339),
		SocketURL: socketURL(r, st.ID),
	})
}

// socketURL is the provisioning stream address as seen by the caller.
func socketURL(r *http.Request, id int64) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws/pod-logs?podName=%s", scheme, r.Host, podName(id))
}

func (s *Server) handleCheckActive(w http.ResponseWriter, r *http.Request) {
	labID, err1 := strconv.ParseInt(chi.URLParam(r, "labId"), 10, 64)
	userID, err2 := strconv.ParseInt(chi.URLParam(r, "userId"), 10, 64)
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	st, ok := s.store.Active(labID, userID)
	if !ok {
		writeJSON(w, http.StatusOK, activeResponse{})
		return
	}
	writeJSON(w, http.StatusOK, activeResponse{HasActiveSession: true, SessionID: st.ID, Status: st.Status})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if !s.store.Remove(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.endTerminal(id, "session deleted")
	log.Printf("labsim: session %d deleted", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if !s.store.SetStatus(id, StatusCompleted) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.endTerminal(id, "session submitted")
	log.Printf("labsim: session %d submitted", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": StatusCompleted})
}

type labResponse struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	EstimatedTime int    `json:"estimatedTime"`
}

type answerResponse struct {
	ID         int64  `json:"id"`
	Content    string `json:"content"`
	IsRightAns bool   `json:"isRightAns"`
}

type questionResponse struct {
	ID           int64            `json:"id"`
	Question     string           `json:"question"`
	Hint         string           `json:"hint"`
	Solution     string           `json:"solution"`
	Answers      []answerResponse `json:"answers"`
	TypeQuestion string           `json:"typeQuestion"`
}

func (s *Server) handleLab(w http.ResponseWriter, r *http.Request) {
	lab, ok := s.lab(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, labResponse{
		ID:            lab.ID,
		Title:         lab.Title,
		Description:   lab.Description,
		EstimatedTime: lab.EstimatedTime,
	})
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	lab, ok := s.lab(w, r)
	if !ok {
		return
	}
	out := make([]questionResponse, 0, len(lab.Questions))
	for _, q := range lab.Questions {
		qr := questionResponse{
			ID:           q.ID,
			Question:     q.Question,
			Hint:         q.Hint,
			Solution:     q.Solution,
			Answers:      []answerResponse{},
			TypeQuestion: "check",
		}
		if len(q.Answers) > 0 {
			qr.TypeQuestion = "non-check"
		}
		for _, a := range q.Answers {
			qr.Answers = append(qr.Answers, answerResponse{ID: a.ID, Content: a.Content, IsRightAns: a.Right})
		}
		out = append(out, qr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

type checkRequest struct {
	UserAnswer *int64 `json:"userAnswer"`
}

type checkResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionId")
	if !ok {
		return
	}
	questionID, ok := pathID(w, r, "questionId")
	if !ok {
		return
	}
	st, found := s.store.Get(sessionID)
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	lab, _ := s.config.Lab(st.LabID)
	q, found := lab.question(questionID)
	if !found {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}
	var req checkRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	writeJSON(w, http.StatusOK, grade(q, st, req.UserAnswer))
}

// grade checks multiple-choice questions against the right answer and
// environment questions against the commands typed in the terminal.
func grade(q QuestionConfig, st *Session, answer *int64) checkResponse {
	if len(q.Answers) > 0 {
		if answer == nil {
			return checkResponse{Message: "Choose an answer first."}
		}
		for _, a := range q.Answers {
			if a.ID == *answer && a.Right {
				return checkResponse{Success: true, Message: "Correct!"}
			}
		}
		return checkResponse{Message: "That is not the right answer."}
	}
	if st.Status != StatusRunning {
		return checkResponse{Message: "The lab environment is not running."}
	}
	for _, line := range st.History {
		if q.Expect != "" && strings.Contains(line, q.Expect) {
			return checkResponse{Success: true, Message: "Task completed."}
		}
	}
	return checkResponse{Message: "Not done yet."}
}

func (s *Server) lab(w http.ResponseWriter, r *http.Request) (LabConfig, bool) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return LabConfig{}, false
	}
	lab, found := s.config.Lab(id)
	if !found {
		writeError(w, http.StatusNotFound, "lab not found")
		return LabConfig{}, false
	}
	return lab, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func podName(id int64) string {
	return "vm-" + strconv.FormatInt(id, 10)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("labsim: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
