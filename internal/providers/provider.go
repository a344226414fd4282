// Package providers defines the completion backend contract shared by all
// provider clients plus the error taxonomy callers branch on.
package providers

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ErrorKind classifies a provider failure for the caller. Unavailable
// failures are the only ones worth retrying.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"
	KindAuthFailed  ErrorKind = "auth_failed"
	KindBadResponse ErrorKind = "bad_response"
)

type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Unavailable(err error) error {
	return &Error{Kind: KindUnavailable, Err: err}
}

func AuthFailed(err error) error {
	return &Error{Kind: KindAuthFailed, Err: err}
}

func BadResponse(err error) error {
	return &Error{Kind: KindBadResponse, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors map to KindUnavailable so callers treat unknown failures as
// transient.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnavailable
}
