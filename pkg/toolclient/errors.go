package toolclient

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is matched by errors for tools the server does not know.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolExecution is matched by every other invocation failure.
	ErrToolExecution = errors.New("tool execution failed")
)

// ErrorKind classifies an invocation failure.
type ErrorKind string

const (
	KindNotFound  ErrorKind = "not_found"
	KindExecution ErrorKind = "execution"
	KindNetwork   ErrorKind = "network"
	KindDecode    ErrorKind = "decode"
)

// Error is the uniform invocation error. Detail holds the decoded upstream
// body: a JSON value, or the raw text when the body is not JSON.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Status  int       `json:"status,omitempty"`
	Tool    string    `json:"tool"`
	Message string    `json:"message"`
	Detail  any       `json:"detail,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("tool %s not found: %s", e.Tool, e.Message)
	case KindNetwork:
		return fmt.Sprintf("tool %s unreachable: %s", e.Tool, e.Message)
	default:
		if e.Status != 0 {
			return fmt.Sprintf("tool %s failed with status %d: %s", e.Tool, e.Status, e.Message)
		}
		return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
	}
}

// Is maps kinds onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrToolNotFound:
		return e.Kind == KindNotFound
	case ErrToolExecution:
		return e.Kind != KindNotFound
	}
	return false
}

func (e *Error) Unwrap() error { return e.cause }
