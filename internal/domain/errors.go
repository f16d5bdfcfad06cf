package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuth          ErrorKind = "auth"
	KindTransport     ErrorKind = "transport"
	KindGeneration    ErrorKind = "generation"
	KindArtifactFetch ErrorKind = "artifact_fetch"
	KindTimeout       ErrorKind = "timeout"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation    = errors.New("validation error")
	ErrAuth          = errors.New("auth error")
	ErrTransport     = errors.New("transport error")
	ErrGeneration    = errors.New("generation error")
	ErrArtifactFetch = errors.New("artifact fetch error")
	ErrTimeout       = errors.New("timeout error")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:    ErrValidation,
	KindAuth:          ErrAuth,
	KindTransport:     ErrTransport,
	KindGeneration:    ErrGeneration,
	KindArtifactFetch: ErrArtifactFetch,
	KindTimeout:       ErrTimeout,
}

// Error is a typed failure from the generation flow.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind) + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status code: %d)", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func NewValidationError(op, detail string) *Error {
	return &Error{Kind: KindValidation, Op: op, Detail: detail}
}

func NewAuthError(op string, statusCode int, detail string) *Error {
	return &Error{Kind: KindAuth, Op: op, StatusCode: statusCode, Detail: detail}
}

func NewTransportError(op string, statusCode int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, StatusCode: statusCode, Err: err}
}

func NewGenerationError(op, detail string) *Error {
	return &Error{Kind: KindGeneration, Op: op, Detail: detail}
}

func NewArtifactFetchError(op string, statusCode int, detail string) *Error {
	return &Error{Kind: KindArtifactFetch, Op: op, StatusCode: statusCode, Detail: detail}
}

func NewTimeoutError(op, detail string) *Error {
	return &Error{Kind: KindTimeout, Op: op, Detail: detail}
}

// KindOf returns the kind of the first *Error in the chain, or "" if none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
