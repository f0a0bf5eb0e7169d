// Package turnerr classifies the failures a conversation turn can end with.
package turnerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the category a turn failure is reported under.
type Kind int8

const (
	KindUnknown Kind = iota
	// KindAlreadyGenerating is a rejected send while a session is live. Logged only.
	KindAlreadyGenerating
	// KindBackendNotReady means the turn was never attempted.
	KindBackendNotReady
	// KindContextOverflow is handled internally by eviction and surfaced as a notice.
	KindContextOverflow
	KindEmptyResponse
	KindDecodeFailure
	KindNetwork
	KindAuth
	// KindRepeatedTokenLoop is an early, successful stop with partial content.
	KindRepeatedTokenLoop
)

func (k Kind) String() string {
	switch k {
	case KindAlreadyGenerating:
		return "already_generating"
	case KindBackendNotReady:
		return "backend_not_ready"
	case KindContextOverflow:
		return "context_overflow"
	case KindEmptyResponse:
		return "empty_response"
	case KindDecodeFailure:
		return "decode_failure"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRepeatedTokenLoop:
		return "repeated_token_loop"
	default:
		return "unknown"
	}
}

// IsFailure reports whether the kind rolls back the user turn and is shown as an error.
func (k Kind) IsFailure() bool {
	switch k {
	case KindAlreadyGenerating, KindContextOverflow, KindRepeatedTokenLoop:
		return false
	default:
		return true
	}
}

const decodeHint = "the conversation likely exceeds the safe context window; clear the conversation or lower the retention limit"

// Error is a classified turn failure.
type Error struct {
	Err        error
	Message    string
	Kind       Kind
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Hint returns remediation text for the user, or "" when there is none.
func (e *Error) Hint() string {
	if e.Kind == KindDecodeFailure {
		return decodeHint
	}
	return ""
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Err: cause, Message: message}
}

func WithStatus(kind Kind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var turnErr *Error
	if errors.As(err, &turnErr) {
		return turnErr.Kind
	}
	return KindUnknown
}

// KindForStatus maps an HTTP status code returned by a backend.
func KindForStatus(statusCode int) Kind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return KindAuth
	case statusCode == 408 || statusCode == 429 || statusCode >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

var decodeMarkers = []string{
	"failed to decode",
	"decode failed",
	"llama_decode",
	"n_ctx",
	"context size",
	"context length",
	"exceeds the available context",
	"kv cache",
}

// Classify converts any error into a *Error. Already classified errors pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var turnErr *Error
	if errors.As(err, &turnErr) {
		return turnErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindNetwork, err, "backend timed out")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindNetwork, err, "backend unreachable")
	}

	text := strings.ToLower(err.Error())

	for _, marker := range decodeMarkers {
		if strings.Contains(text, marker) {
			return Wrap(KindDecodeFailure, err, "backend could not decode the prompt")
		}
	}

	switch {
	case strings.Contains(text, "connection refused"), strings.Contains(text, "no such host"),
		strings.Contains(text, "connection reset"), strings.Contains(text, "eof"):
		return Wrap(KindNetwork, err, "backend unreachable")
	case strings.Contains(text, "unauthorized"), strings.Contains(text, "invalid api key"),
		strings.Contains(text, "forbidden"):
		return Wrap(KindAuth, err, "backend rejected credentials")
	}

	return Wrap(KindUnknown, err, "")
}
