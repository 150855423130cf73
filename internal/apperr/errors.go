// Package apperr defines the error kinds shared by the narrator components.
//
// Every error handed to a caller carries exactly one kind sentinel so that
// callers can branch with errors.Is regardless of how deep the cause is wrapped.
package apperr

import (
	"errors"
	"fmt"
)

// Kind sentinels
var (
	// ErrPermission means microphone access was denied or is unavailable.
	ErrPermission = errors.New("microphone permission denied")
	// ErrTransport means a network or connection failure with an external service.
	ErrTransport = errors.New("transport failure")
	// ErrDecode means an audio payload was malformed.
	ErrDecode = errors.New("malformed audio payload")
	// ErrGeneration means script generation returned invalid or empty content.
	ErrGeneration = errors.New("script generation failed")
	// ErrSynthesis means the speech service failed for a unit.
	ErrSynthesis = errors.New("speech synthesis failed")
	// ErrAssistant means question answering failed.
	ErrAssistant = errors.New("assistant failed")
)

// Error is a classified failure
type Error struct {
	Kind error  // one of the sentinels above
	Op   string // operation that failed, e.g. "synthesize"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New classifies err under kind. If err already carries kind it is returned as is.
func New(kind error, op string, err error) error {
	if err != nil && errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf classifies a freshly formatted message under kind.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func Permission(op string, err error) error { return New(ErrPermission, op, err) }
func Transport(op string, err error) error  { return New(ErrTransport, op, err) }
func Decode(op string, err error) error     { return New(ErrDecode, op, err) }
func Generation(op string, err error) error { return New(ErrGeneration, op, err) }
func Synthesis(op string, err error) error  { return New(ErrSynthesis, op, err) }
func Assistant(op string, err error) error  { return New(ErrAssistant, op, err) }

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, k := range []error{ErrPermission, ErrTransport, ErrDecode, ErrGeneration, ErrSynthesis, ErrAssistant} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Label returns a short metric label for err's kind.
func Label(err error) string {
	switch KindOf(err) {
	case ErrPermission:
		return "permission"
	case ErrTransport:
		return "transport"
	case ErrDecode:
		return "decode"
	case ErrGeneration:
		return "generation"
	case ErrSynthesis:
		return "synthesis"
	case ErrAssistant:
		return "assistant"
	}
	return "unknown"
}
