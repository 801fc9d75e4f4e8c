package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	podLogsPath  = "/ws/pod-logs"
	terminalPath = "/ws/terminal/"
)

// StreamTarget identifies a WebSocket endpoint and the credentials used to
// open it.
type StreamTarget struct {
	URL       string
	Token     string
	SessionID int64
}

// DialURL returns URL with the token appended as a query parameter.
func (t StreamTarget) DialURL() (string, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("parse stream url: unsupported scheme %q", u.Scheme)
	}
	if t.Token != "" {
		q := u.Query()
		q.Set("token", t.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Redacted returns URL with any token query value masked, for logging.
func (t StreamTarget) Redacted() string {
	return redactToken(t.URL)
}

// TerminalTarget derives the interactive endpoint from a provisioning stream
// target: ws://h/prefix/ws/pod-logs?podName=vm-{id} becomes
// ws://h/prefix/ws/terminal/{id}.
func (t StreamTarget) TerminalTarget() (StreamTarget, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return StreamTarget{}, fmt.Errorf("derive terminal url: %w", err)
	}
	sessionID := t.SessionID
	if sessionID == 0 {
		sessionID, err = strconv.ParseInt(strings.TrimPrefix(u.Query().Get("podName"), "vm-"), 10, 64)
		if err != nil {
			return StreamTarget{}, fmt.Errorf("derive terminal url: no session id in %s", t.Redacted())
		}
	}
	prefix := u.Path
	if i := strings.Index(prefix, podLogsPath); i >= 0 {
		prefix = prefix[:i]
	} else {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	u.Path = prefix + terminalPath + strconv.FormatInt(sessionID, 10)
	u.RawPath = ""
	q := u.Query()
	q.Del("podName")
	q.Del("token")
	u.RawQuery = q.Encode()
	return StreamTarget{URL: u.String(), Token: t.Token, SessionID: sessionID}, nil
}

// PodLogsURL builds the provisioning stream URL for sessionID under a
// ws(s)://host[/prefix] base.
func PodLogsURL(base string, sessionID int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream base: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + podLogsPath
	q := url.Values{}
	q.Set("podName", PodName(sessionID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// PodName is the compute environment name for a session.
func PodName(sessionID int64) string {
	return "vm-" + strconv.FormatInt(sessionID, 10)
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("token") == "" {
		return raw
	}
	q.Set("token", "***")
	u.RawQuery = q.Encode()
	return u.String()
}
