// Package client provides the REST and WebSocket clients for the lab
// platform: the session lifecycle API, the provisioning log stream and the
// interactive terminal stream. Types mirror the platform wire protocol.
package client

import (
	"time"

	"github.com/lab-practice/labterm/internal/progress"
)

// SessionStatus is the server-side state of a lab session.
type SessionStatus string

const (
	StatusPending      SessionStatus = "PENDING"
	StatusProvisioning SessionStatus = "PROVISIONING"
	StatusRunning      SessionStatus = "RUNNING"
	StatusCompleted    SessionStatus = "COMPLETED"
	StatusFailed       SessionStatus = "FAILED"
)

// IsActive reports whether a session in this status still holds resources.
func (s SessionStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusProvisioning, StatusRunning:
		return true
	}
	return false
}

// LabSession is one user's attempt at one lab.
type LabSession struct {
	ID           int64         `json:"sessionId"`
	LabID        int64         `json:"labId"`
	UserID       int64         `json:"userId"`
	Status       SessionStatus `json:"status"`
	StreamTarget StreamTarget  `json:"-"`
	CreatedAt    time.Time     `json:"startAt"`
}

// createRequest is the body of POST /lab-sessions.
type createRequest struct {
	LabID  int64 `json:"labId"`
	UserID int64 `json:"userId"`
}

// createResponse is the body returned by POST /lab-sessions.
type createResponse struct {
	SessionID int64         `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	StartAt   string        `json:"startAt"`
	SocketURL string        `json:"socketUrl"`
}

// ActiveSession is the result of the check-active probe.
type ActiveSession struct {
	HasActiveSession bool          `json:"hasActiveSession"`
	SessionID        int64         `json:"sessionId,omitempty"`
	Status           SessionStatus `json:"status,omitempty"`
}

// Lab is the lab detail returned by GET /labs/{id}.
type Lab struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	EstimatedTime int    `json:"estimatedTime"`
}

// Answer is one option of a multiple-choice question.
type Answer struct {
	ID         int64  `json:"id"`
	Content    string `json:"content"`
	IsRightAns bool   `json:"isRightAns"`
}

// Question types.
const (
	QuestionCheck    = "check"
	QuestionNonCheck = "non-check"
)

// Question is a lab task shown next to the terminal.
type Question struct {
	ID           int64    `json:"id"`
	Question     string   `json:"question"`
	Hint         string   `json:"hint"`
	Solution     string   `json:"solution"`
	Answers      []Answer `json:"answers"`
	TypeQuestion string   `json:"typeQuestion"`
}

type questionsResponse struct {
	Data []Question `json:"data"`
}

// CheckResult is the grader's verdict for one question.
type CheckResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Frame is the JSON envelope sent on the provisioning stream.
type Frame struct {
	Type     progress.Kind  `json:"type"`
	Message  string         `json:"message"`
	Metadata *FrameMetadata `json:"metadata,omitempty"`
	// Data is the legacy name for Metadata.
	Data *FrameMetadata `json:"data,omitempty"`
}

// FrameMetadata carries optional structured details of a frame.
type FrameMetadata struct {
	Percentage  *float64 `json:"percentage,omitempty"`
	TerminalURL string   `json:"terminalUrl,omitempty"`
}

func (f Frame) meta() *FrameMetadata {
	if f.Metadata != nil {
		return f.Metadata
	}
	return f.Data
}

// ProvisioningEvent is one classified inbound frame.
type ProvisioningEvent struct {
	Kind       progress.Kind
	RawMessage string
	Percentage int
	PhaseLabel string
	// Explicit is set when Percentage came from frame metadata rather than
	// keyword classification.
	Explicit bool
	// Malformed is set when the frame could not be decoded and RawMessage
	// holds the verbatim payload.
	Malformed bool
	At        time.Time
}

// ProvisioningState is the lifecycle state of a ProvisioningChannel.
type ProvisioningState int

const (
	ProvisioningIdle ProvisioningState = iota
	ProvisioningConnecting
	ProvisioningActive
	ProvisioningHandoff
	ProvisioningFailed
	ProvisioningLost
	ProvisioningClosed
)

func (s ProvisioningState) String() string {
	switch s {
	case ProvisioningIdle:
		return "idle"
	case ProvisioningConnecting:
		return "connecting"
	case ProvisioningActive:
		return "provisioning"
	case ProvisioningHandoff:
		return "terminal_handoff"
	case ProvisioningFailed:
		return "failed"
	case ProvisioningLost:
		return "lost"
	case ProvisioningClosed:
		return "closed"
	}
	return "unknown"
}

// ProvisioningUpdate is delivered for every event on the provisioning stream.
// Handoff is non-nil on exactly one update per connection, the one that
// moves the channel to ProvisioningHandoff. Err is set on the update that
// moves it to ProvisioningFailed or ProvisioningLost.
type ProvisioningUpdate struct {
	Event   ProvisioningEvent
	State   ProvisioningState
	Handoff *StreamTarget
	Err     error
}
