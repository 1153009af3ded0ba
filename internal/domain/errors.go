package domain

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures so callers can render a specific message.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindConversion    Kind = "conversion"
	KindModelLoad     Kind = "model_load"
	KindTranscription Kind = "transcription"
	KindIO            Kind = "io"
	KindBusy          Kind = "busy"
	KindCancelled     Kind = "cancelled"
)

// ErrBusy is returned when a job is submitted while another one is running.
var ErrBusy = &Error{Kind: KindBusy, Op: "start", Err: errors.New("a job is already running")}

// Error is a kind-carrying failure with the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error formats the failure for logs and users.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err stays nil and an err that
// already carries a kind keeps it.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind carried by err. Context cancellation maps to
// KindCancelled; unclassified errors report an empty kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsCancelled reports whether err represents a cancelled job rather than a fault.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
