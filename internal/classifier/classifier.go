package classifier

import (
	"context"
	"errors"
	"fmt"

	"listing-sentinel/internal/model"
)

// Request is a single review submitted for scoring.
type Request struct {
	Text      string
	ModelHint string
}

// Response is the parsed service answer.
type Response struct {
	Label      model.Sentiment
	Confidence float64
	TokensUsed int
}

// Classifier scores the sentiment of review text.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}

// ErrorKind groups service failures by how the pipeline must react.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindTimeout     ErrorKind = "TIMEOUT"
	KindMalformed   ErrorKind = "MALFORMED_RESPONSE"
	KindAuth        ErrorKind = "AUTH_ERROR"
	KindUnavailable ErrorKind = "UNAVAILABLE"
)

// Error is returned by Classifier implementations for every failed call.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// FailureKind maps the error kind onto the persisted failure kind.
func (e *Error) FailureKind() model.FailureKind {
	switch e.Kind {
	case KindRateLimited:
		return model.FailureRateLimited
	case KindTimeout:
		return model.FailureTimeout
	case KindMalformed:
		return model.FailureMalformed
	case KindAuth:
		return model.FailureAuth
	default:
		return model.FailureUnavailable
	}
}

// NewError wraps err with kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// AsError extracts a classifier error. Plain context deadline errors are
// treated as timeouts and any other unknown error as a transient outage.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}
	return NewError(KindUnavailable, err)
}

// EstimateTokens approximates the token cost of classifying text: roughly four
// characters per token for the prompt, plus the fixed instruction overhead and
// the completion budget.
func EstimateTokens(text string, maxInputChars, maxOutputTokens int) int {
	runes := []rune(text)
	if maxInputChars > 0 && len(runes) > maxInputChars {
		runes = runes[:maxInputChars]
	}
	return promptOverheadTokens + (len(runes)+3)/4 + maxOutputTokens
}

const promptOverheadTokens = 90
