// pkg/errors/engine_errors.go
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies an engine failure.
type Kind string

const (
	// KindCapability means numeric modeling is unavailable on this node.
	KindCapability Kind = "capability"
	// KindInsufficientData means a tenant has too little history to train.
	KindInsufficientData Kind = "insufficient_data"
	// KindMalformedModel means a persisted model could not be decoded.
	KindMalformedModel Kind = "malformed_model"
	// KindStorage wraps a failure of the document store.
	KindStorage Kind = "storage"
	// KindValidation means an inbound event was rejected.
	KindValidation Kind = "validation"
	// KindNotFound means a tenant-scoped record does not exist.
	KindNotFound Kind = "not_found"
)

// EngineError represents a structured error from an engine component
type EngineError struct {
	Component   string                 `json:"component"`
	Kind        Kind                   `json:"kind"`
	Message     string                 `json:"message"`
	TenantID    string                 `json:"tenant_id,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Severity    Severity               `json:"severity"`
	Recoverable bool                   `json:"recoverable"`
	Cause       error                  `json:"-"`
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Error implements the error interface
func (ee *EngineError) Error() string {
	if ee.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", ee.Component, ee.Kind, ee.Message, ee.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", ee.Component, ee.Kind, ee.Message)
}

// Unwrap returns the underlying cause
func (ee *EngineError) Unwrap() error {
	return ee.Cause
}

// IsKind reports whether any error in err's chain is an EngineError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ee *EngineError
	if stderrors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// ErrorHandler logs engine errors that were recovered from instead of returned.
type ErrorHandler struct {
	logger zerolog.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger zerolog.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError logs the error at a level matching its severity.
func (eh *ErrorHandler) HandleError(ctx context.Context, err *EngineError) {
	logEvent := eh.getLogEvent(err.Severity).
		Str("component", err.Component).
		Str("error_type", string(err.Kind)).
		Str("message", err.Message).
		Bool("recoverable", err.Recoverable)

	if err.TenantID != "" {
		logEvent = logEvent.Str("tenant_id", err.TenantID)
	}
	if err.Details != nil {
		logEvent = logEvent.Interface("details", err.Details)
	}
	if err.Cause != nil {
		logEvent = logEvent.AnErr("cause", err.Cause)
	}

	logEvent.Msg("Engine error occurred")
}

func (eh *ErrorHandler) getLogEvent(severity Severity) *zerolog.Event {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return eh.logger.Error()
	case SeverityMedium:
		return eh.logger.Warn()
	case SeverityLow:
		return eh.logger.Info()
	case SeverityInfo:
		return eh.logger.Debug()
	default:
		return eh.logger.Info()
	}
}

// Helper functions for creating common error types

func NewStorageError(component, operation string, cause error) *EngineError {
	return &EngineError{
		Component: component,
		Kind:      KindStorage,
		Message:   fmt.Sprintf("storage operation failed: %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityHigh,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewValidationError(component, message string) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindValidation,
		Message:     message,
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: false,
	}
}

func NewMalformedModelError(tenantID string, cause error) *EngineError {
	return &EngineError{
		Component:   "model_registry",
		Kind:        KindMalformedModel,
		Message:     "persisted model could not be decoded",
		TenantID:    tenantID,
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: true,
		Cause:       cause,
	}
}

func NewInsufficientDataError(tenantID string, samples, required int) *EngineError {
	return &EngineError{
		Component: "model_registry",
		Kind:      KindInsufficientData,
		Message:   fmt.Sprintf("need %d samples to train, have %d", required, samples),
		TenantID:  tenantID,
		Details: map[string]interface{}{
			"samples":  samples,
			"required": required,
		},
		Timestamp:   time.Now(),
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

func NewCapabilityError(cause error) *EngineError {
	return &EngineError{
		Component:   "detector",
		Kind:        KindCapability,
		Message:     "numeric modeling unavailable, anomaly detection disabled",
		Timestamp:   time.Now(),
		Severity:    SeverityMedium,
		Recoverable: false,
		Cause:       cause,
	}
}

func NewNotFoundError(component, what string) *EngineError {
	return &EngineError{
		Component:   component,
		Kind:        KindNotFound,
		Message:     fmt.Sprintf("%s not found", what),
		Timestamp:   time.Now(),
		Severity:    SeverityLow,
		Recoverable: false,
	}
}
