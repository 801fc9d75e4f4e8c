package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lab-practice/labterm/internal/auth"
)

// HTTPClient makes REST calls to the lab platform API. It implements the
// session lifecycle operations used by the session controller.
type HTTPClient struct {
	baseURL    string
	streamBase string
	creds      auth.Source
	client     *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://127.0.0.1:9998/api"). streamBase is the ws(s) origin used when the
// server omits socketUrl from a create response.
func NewHTTPClient(baseURL, streamBase string, creds auth.Source, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		streamBase: streamBase,
		creds:      creds,
		client:     &http.Client{Timeout: timeout},
	}
}

// Create sends POST /lab-sessions.
func (c *HTTPClient) Create(ctx context.Context, labID, userID int64) (*LabSession, error) {
	var out createResponse
	if err := c.do(ctx, http.MethodPost, "/lab-sessions", createRequest{LabID: labID, UserID: userID}, &out); err != nil {
		return nil, err
	}
	if out.SessionID == 0 {
		return nil, errors.New("create session: response has no session id")
	}
	socketURL := out.SocketURL
	if socketURL == "" {
		u, err := PodLogsURL(c.streamBase, out.SessionID)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		socketURL = u
	}
	s := &LabSession{
		ID:           out.SessionID,
		LabID:        labID,
		UserID:       userID,
		Status:       out.Status,
		StreamTarget: StreamTarget{URL: socketURL, Token: c.token(), SessionID: out.SessionID},
		CreatedAt:    time.Now(),
	}
	if t, err := time.Parse(time.RFC3339, out.StartAt); err == nil {
		s.CreatedAt = t
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	return s, nil
}

// CheckActive sends GET /lab-sessions/check-active/{labId}/{userId}.
func (c *HTTPClient) CheckActive(ctx context.Context, labID, userID int64) (*ActiveSession, error) {
	var out ActiveSession
	path := "/lab-sessions/check-active/" + strconv.FormatInt(labID, 10) + "/" + strconv.FormatInt(userID, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete sends DELETE /lab-sessions/{id}. Deleting a session that no longer
// exists succeeds.
func (c *HTTPClient) Delete(ctx context.Context, sessionID int64) error {
	err := c.do(ctx, http.MethodDelete, "/lab-sessions/"+strconv.FormatInt(sessionID, 10), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Submit sends POST /lab-sessions/{id}/submit.
func (c *HTTPClient) Submit(ctx context.Context, sessionID int64) error {
	return c.do(ctx, http.MethodPost, "/lab-sessions/"+strconv.FormatInt(sessionID, 10)+"/submit", nil, nil)
}

// GetLab fetches /labs/{id}.
func (c *HTTPClient) GetLab(ctx context.Context, labID int64) (*Lab, error) {
	var out Lab
	if err := c.do(ctx, http.MethodGet, "/labs/"+strconv.FormatInt(labID, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQuestions fetches /labs/{id}/questions.
func (c *HTTPClient) GetQuestions(ctx context.Context, labID int64) ([]Question, error) {
	var out questionsResponse
	if err := c.do(ctx, http.MethodGet, "/labs/"+strconv.FormatInt(labID, 10)+"/questions", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// CheckQuestion sends POST /lab-validation/{sessionId}/check/{questionId}.
// answerID is nil for questions graded against the environment.
func (c *HTTPClient) CheckQuestion(ctx context.Context, sessionID, questionID int64, answerID *int64) (*CheckResult, error) {
	body := map[string]int64{}
	if answerID != nil {
		body["userAnswer"] = *answerID
	}
	var out CheckResult
	path := "/lab-validation/" + strconv.FormatInt(sessionID, 10) + "/check/" + strconv.FormatInt(questionID, 10)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: serverMessage(respBody)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) token() string {
	if c.creds == nil {
		return ""
	}
	return c.creds.Credentials().Token
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// serverMessage extracts {"error": ...} or {"message": ...} from an error
// body, falling back to the trimmed raw text.
func serverMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(body))
}
