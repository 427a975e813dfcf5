package services

import (
	"errors"
	"strings"
)

// Sentinel markers used to classify stage failures. Stages wrap their errors
// with one of these via Wrap; the orchestrator keys its retry policy off the
// marker rather than parsing messages.
var (
	// ErrTransient marks failures expected to succeed on retry (5xx, resets,
	// flaky tool exits). The orchestrator retries these with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that will recur deterministically.
	ErrPermanent = errors.New("permanent failure")
	// ErrValidation marks bad input or missing parameters. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrConfiguration marks operator misconfiguration. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrNotFound marks a missing resource or artifact. Never retried.
	ErrNotFound = errors.New("not found")
	// ErrExternalTool marks external process failures.
	ErrExternalTool = errors.New("external tool error")
	// ErrTimeout marks deadline expirations; retried like ErrTransient.
	ErrTimeout = errors.New("timeout")
)

// Kind is the string classification carried by a wrapped service error.
type Kind string

const (
	KindTransient     Kind = "transient"
	KindPermanent     Kind = "permanent"
	KindValidation    Kind = "validation"
	KindConfiguration Kind = "configuration"
	KindNotFound      Kind = "not_found"
	KindExternalTool  Kind = "external_tool"
	KindTimeout       Kind = "timeout"
	KindUnknown       Kind = "unknown"
)

// ServiceError is the structured error produced by Wrap. It retains the
// marker for errors.Is classification and enough context to report the
// failure without re-deriving it.
type ServiceError struct {
	Marker    error
	Stage     string
	Operation string
	Message   string
	Cause     error
}

func (e *ServiceError) Error() string {
	detail := e.detail()
	if e.Cause != nil {
		return detail + ": " + e.Cause.Error()
	}
	return detail
}

func (e *ServiceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Marker != nil {
		errs = append(errs, e.Marker)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// ErrorKind returns the string classification used for status mapping.
func (e *ServiceError) ErrorKind() string {
	return string(kindForMarker(e.Marker))
}

func (e *ServiceError) detail() string {
	parts := make([]string, 0, 3)
	if stage := strings.TrimSpace(e.Stage); stage != "" {
		parts = append(parts, stage)
	}
	if op := strings.TrimSpace(e.Operation); op != "" {
		parts = append(parts, op)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

// Wrap builds an error that includes stage context while tagging it with the
// provided marker for later classification. The marker should be one of the
// exported sentinel errors above; nil defaults to ErrTransient.
func Wrap(marker error, stage, operation, message string, err error) error {
	if marker == nil {
		marker = ErrTransient
	}
	return &ServiceError{
		Marker:    marker,
		Stage:     stage,
		Operation: operation,
		Message:   message,
		Cause:     err,
	}
}

// ErrorDetails carries the decomposed context of a wrapped stage error.
type ErrorDetails struct {
	Kind      Kind
	Stage     string
	Operation string
	Message   string
	Cause     error
}

// Details decomposes an error produced by Wrap. For foreign errors the kind
// is derived from the markers present in the chain and the message falls back
// to Error().
func Details(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{Kind: KindUnknown}
	}
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return ErrorDetails{
			Kind:      kindForMarker(svcErr.Marker),
			Stage:     svcErr.Stage,
			Operation: svcErr.Operation,
			Message:   svcErr.detail(),
			Cause:     svcErr.Cause,
		}
	}
	return ErrorDetails{Kind: classify(err), Message: err.Error(), Cause: err}
}

// IsTransient reports whether the orchestrator should retry the failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrExternalTool):
		return KindExternalTool
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	default:
		return KindUnknown
	}
}

func kindForMarker(marker error) Kind {
	if marker == nil {
		return KindUnknown
	}
	return classify(marker)
}
