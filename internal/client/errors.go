package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConflict means the user already has an active session for the lab.
	ErrConflict = errors.New("an active session already exists for this lab")
	// ErrForbidden means the user is not enrolled in the lab's course.
	ErrForbidden = errors.New("not allowed to start this lab")
	// ErrNotFound means the lab or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAuthExpired means the bearer token was rejected; the user must log in again.
	ErrAuthExpired = errors.New("authentication expired")
	// ErrConnectionLost means the provisioning stream dropped before hand-off.
	ErrConnectionLost = errors.New("connection lost during provisioning")
	// ErrConnectionClosed means the terminal stream ended.
	ErrConnectionClosed = errors.New("terminal connection closed")
	// ErrTerminalClosed is returned by Send after Close.
	ErrTerminalClosed = errors.New("terminal channel is closed")
	// ErrAlreadyConnected is returned when Connect is called twice on a
	// terminal channel.
	ErrAlreadyConnected = errors.New("terminal channel already connected")
	// ErrMalformedFrame flags a provisioning frame that could not be decoded.
	ErrMalformedFrame = errors.New("malformed provisioning frame")
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Unwrap maps the HTTP status onto the sentinel errors above.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrAuthExpired
	}
	return nil
}

// ProvisioningError is an error event reported by the provisioning pipeline.
type ProvisioningError struct {
	Message string
}

func (e *ProvisioningError) Error() string {
	return e.Message
}

// CloseError reports why the terminal stream ended.
type CloseError struct {
	Code   int
	Reason string
	err    error
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%v (code %d: %s)", e.err, e.Code, e.Reason)
	}
	return fmt.Sprintf("%v (code %d)", e.err, e.Code)
}

func (e *CloseError) Unwrap() error { return e.err }

// IsFatal reports whether err ends the current attempt without a
// delete-and-retry path.
func IsFatal(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAuthExpired)
}
