// pkg/errors/errors.go
package errors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a failure by how the pipeline recovers from it.
type Kind string

const (
	KindSensor      Kind = "sensor"
	KindModel       Kind = "model"
	KindPolicyCheck Kind = "policy_check"
	KindPersistence Kind = "persistence"
	KindFatalInit   Kind = "fatal_init"
)

// Error is a structured failure raised by one of the pipeline components.
type Error struct {
	Kind        Kind                   `json:"kind"`
	Component   string                 `json:"component"`
	Op          string                 `json:"op"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

// Sentinels for errors.Is. Only the Kind is compared.
var (
	ErrSensor      = &Error{Kind: KindSensor}
	ErrModel       = &Error{Kind: KindModel}
	ErrPolicyCheck = &Error{Kind: KindPolicyCheck}
	ErrPersistence = &Error{Kind: KindPersistence}
	ErrFatalInit   = &Error{Kind: KindFatalInit}
)

// Error implements the error interface
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s %s: %s", e.Component, e.Kind, e.Op, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, component, op, message string, recoverable bool, cause error) *Error {
	return &Error{
		Kind:        kind,
		Component:   component,
		Op:          op,
		Message:     message,
		Timestamp:   time.Now(),
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// NewSensorError reports a telemetry or network read failure. The cycle is skipped.
func NewSensorError(component, op string, cause error) *Error {
	return newError(KindSensor, component, op, "sensor read failed", true, cause)
}

// NewModelError reports insufficient or malformed data for the anomaly model.
func NewModelError(component, op string, cause error) *Error {
	return newError(KindModel, component, op, "anomaly model error", true, cause)
}

// NewPolicyCheckError reports a single per-process or per-connection check
// that could not be evaluated. The check is treated as passed.
func NewPolicyCheckError(component, check string, pid int32, cause error) *Error {
	e := newError(KindPolicyCheck, component, check, "policy check skipped", true, cause)
	e.Details = map[string]interface{}{"pid": pid}
	return e
}

// NewPersistenceError reports a store failure. In-memory state is kept.
func NewPersistenceError(component, op string, cause error) *Error {
	return newError(KindPersistence, component, op, "persistence failed", true, cause)
}

// NewFatalInitError reports a component that could not be constructed.
func NewFatalInitError(component string, cause error) *Error {
	return newError(KindFatalInit, component, "init", "initialization failed", false, cause)
}

// ErrorCollector receives every handled error, e.g. to count it.
type ErrorCollector func(ctx context.Context, err *Error)

// ErrorHandler logs pipeline errors with a level chosen by kind.
type ErrorHandler struct {
	logger    zerolog.Logger
	collector ErrorCollector
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger, collector ErrorCollector) *ErrorHandler {
	return &ErrorHandler{
		logger:    logger,
		collector: collector,
	}
}

// HandleError logs err and hands it to the collector. Errors that are not
// *Error are logged as-is at error level.
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	e, ok := err.(*Error)
	if !ok {
		eh.logger.Error().Err(err).Msg("Unclassified pipeline error")
		return
	}

	logEvent := eh.getLogEvent(e.Kind).
		Str("component", e.Component).
		Str("kind", string(e.Kind)).
		Str("op", e.Op).
		Bool("recoverable", e.Recoverable)

	if e.Details != nil {
		logEvent = logEvent.Interface("details", e.Details)
	}
	if e.Cause != nil {
		logEvent = logEvent.AnErr("cause", e.Cause)
	}
	logEvent.Msg(e.Message)

	if eh.collector != nil {
		eh.collector(ctx, e)
	}
}

// getLogEvent returns the appropriate zerolog event for a kind
func (eh *ErrorHandler) getLogEvent(kind Kind) *zerolog.Event {
	switch kind {
	case KindFatalInit:
		return eh.logger.Error()
	case KindSensor, KindPersistence:
		return eh.logger.Warn()
	case KindModel:
		return eh.logger.Info()
	case KindPolicyCheck:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}
