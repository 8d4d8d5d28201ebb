// Package failure defines the error taxonomy shared by the processing
// backends, the orchestrator and the HTTP API. Every error that leaves a
// processing run is a *Error carrying a machine-distinguishable Kind.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure by the remediation it needs.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindAssetFetch             Kind = "asset_fetch"
	KindBackendUnavailable     Kind = "backend_unavailable"
	KindProcessing             Kind = "processing"
	KindUnsupportedEnvironment Kind = "unsupported_environment"
	KindCanceled               Kind = "canceled"
)

// Error is a classified failure with a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Hint returns the remediation hint for the error's kind.
func (e *Error) Hint() string {
	return Hint(e.Kind)
}

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. The message defaults to err's text.
func Wrap(kind Kind, err error, message string) *Error {
	if message == "" && err != nil {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func AssetFetch(err error, message string) *Error {
	return Wrap(KindAssetFetch, err, message)
}

func BackendUnavailable(err error, message string) *Error {
	return Wrap(KindBackendUnavailable, err, message)
}

func Processing(err error, message string) *Error {
	return Wrap(KindProcessing, err, message)
}

func UnsupportedEnvironment(format string, args ...interface{}) *Error {
	return New(KindUnsupportedEnvironment, format, args...)
}

// KindOf reports the kind of err. Context cancellation maps to KindCanceled;
// any other unclassified error is treated as a processing failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindProcessing
}

// Classify returns err as a *Error, classifying it with fallback when it
// carries no kind yet.
func Classify(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindCanceled, err, "processing was canceled")
	}
	return Wrap(fallback, err, "")
}

// Hint returns the remediation shown next to a failure of the given kind.
func Hint(kind Kind) string {
	switch kind {
	case KindValidation:
		return "Check the selected video and settings, then try again."
	case KindAssetFetch:
		return "The avatar video could not be downloaded. Check your connection or create the avatar video again in the bot."
	case KindBackendUnavailable:
		return "The processing service is not reachable. Check your connection or switch to local processing."
	case KindProcessing:
		return "Processing failed. Try again, and report the problem if it keeps happening."
	case KindUnsupportedEnvironment:
		return "This environment cannot process videos. Open the montage from a supported device."
	case KindCanceled:
		return "Processing was stopped. Start it again when ready."
	default:
		return ""
	}
}
