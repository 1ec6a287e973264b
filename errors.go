package celldb

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories surfaced by the aggregator.
type ErrorKind string

const (
	ErrorKindInvalidQuery       ErrorKind = "invalid_query"
	ErrorKindPermissionDenied   ErrorKind = "permission_denied"
	ErrorKindRegistrationFailed ErrorKind = "registration_failed"
	ErrorKindOptimizationFailed ErrorKind = "optimization_failed"
	ErrorKindCellUnavailable    ErrorKind = "cell_unavailable"
	ErrorKindTimeoutExceeded    ErrorKind = "timeout_exceeded"
	ErrorKindCoordinationFailed ErrorKind = "coordination_failed"
	ErrorKindAggregationFailed  ErrorKind = "aggregation_failed"
	ErrorKindStreamingFailed    ErrorKind = "streaming_failed"
	ErrorKindResourceExhausted  ErrorKind = "resource_exhausted"
)

// QueryError is the unified error type returned by every aggregator operation.
type QueryError struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	CellID  string         `json:"cellId,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
	// Transient marks cell failures that may succeed on retry.
	Transient bool `json:"-"`
}

func (e *QueryError) Error() string {
	if e.CellID != "" {
		return fmt.Sprintf("[%s:%s] cell %s: %s", e.Kind, e.Code, e.CellID, e.Message)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

func (e *QueryError) Unwrap() error {
	return e.Cause
}

// Is matches another *QueryError by kind, and by code when the target sets one.
func (e *QueryError) Is(target error) bool {
	t, ok := target.(*QueryError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// WithDetail adds a single detail
func (e *QueryError) WithDetail(key string, value any) *QueryError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges details
func (e *QueryError) WithDetails(details map[string]any) *QueryError {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// WithCause sets the wrapped error
func (e *QueryError) WithCause(cause error) *QueryError {
	e.Cause = cause
	return e
}

// WithCell attaches the offending cell id
func (e *QueryError) WithCell(cellID string) *QueryError {
	e.CellID = cellID
	return e
}

// KindOf returns the kind of the first *QueryError in err's chain, or "" if none.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether err is a cell failure worth retrying.
func IsTransient(err error) bool {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind == ErrorKindCellUnavailable && qe.Transient
	}
	return false
}

// Error codes
const (
	// Request validation
	ErrCodeEmptyTargets      = "EMPTY_TARGETS"
	ErrCodeUnknownCell       = "UNKNOWN_CELL"
	ErrCodeInvalidExpression = "INVALID_EXPRESSION"
	ErrCodeInvalidOperation  = "INVALID_OPERATION"
	ErrCodeInvalidPlan       = "INVALID_PLAN"
	ErrCodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	ErrCodeMissingParameter  = "MISSING_PARAMETER"

	// Access
	ErrCodeAccessDenied = "ACCESS_DENIED"

	// Registration
	ErrCodeInvalidRegistration = "INVALID_REGISTRATION"
	ErrCodeSchemaDowngrade     = "SCHEMA_DOWNGRADE"

	// Optimization
	ErrCodeCapabilityMissing     = "CAPABILITY_MISSING"
	ErrCodeInvalidOptimizerInput = "INVALID_OPTIMIZER_CONFIG"

	// Execution
	ErrCodeCellUnavailable    = "CELL_UNAVAILABLE"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeQueryTimeout       = "QUERY_TIMEOUT"
	ErrCodeCoordinationFailed = "COORDINATION_FAILED"
	ErrCodeResultAggregation  = "RESULT_AGGREGATION_ERROR"
	ErrCodeCacheCorrupted     = "CACHE_CORRUPTED"

	// Streaming
	ErrCodeStreamNotFound  = "STREAM_NOT_FOUND"
	ErrCodeStreamClosed    = "STREAM_CLOSED"
	ErrCodeStreamExhausted = "STREAM_EXHAUSTED"
	ErrCodeStreamExpired   = "STREAM_EXPIRED"
	ErrCodeStreamBusy      = "STREAM_BUSY"

	// Resources
	ErrCodeTooManyStreams  = "TOO_MANY_STREAMS"
	ErrCodeTooManyRequests = "TOO_MANY_REQUESTS"
	ErrCodePoolExhausted   = "POOL_EXHAUSTED"
)

// NewQueryError creates an error of the given kind
func NewQueryError(kind ErrorKind, code, message string) *QueryError {
	return &QueryError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

func NewInvalidQueryError(code, message string) *QueryError {
	return NewQueryError(ErrorKindInvalidQuery, code, message)
}

func NewPermissionDeniedError(caller, action, resource string) *QueryError {
	return NewQueryError(ErrorKindPermissionDenied, ErrCodeAccessDenied,
		fmt.Sprintf("caller %q may not %s %s", caller, action, resource)).
		WithDetail("caller", caller).
		WithDetail("action", action)
}

func NewRegistrationError(cellID, code, message string) *QueryError {
	return NewQueryError(ErrorKindRegistrationFailed, code, message).WithCell(cellID)
}

func NewOptimizationError(code, message string) *QueryError {
	return NewQueryError(ErrorKindOptimizationFailed, code, message)
}

// NewCellUnavailableError creates a cell failure. Transient failures are eligible for one retry.
func NewCellUnavailableError(cellID, message string, cause error, transient bool) *QueryError {
	e := NewQueryError(ErrorKindCellUnavailable, ErrCodeCellUnavailable, message).WithCell(cellID).WithCause(cause)
	e.Transient = transient
	return e
}

func NewTimeoutError(message string) *QueryError {
	return NewQueryError(ErrorKindTimeoutExceeded, ErrCodeQueryTimeout, message)
}

func NewCoordinationError(message string, cause error) *QueryError {
	return NewQueryError(ErrorKindCoordinationFailed, ErrCodeCoordinationFailed, message).WithCause(cause)
}

func NewAggregationError(code, message string, cause error) *QueryError {
	return NewQueryError(ErrorKindAggregationFailed, code, message).WithCause(cause)
}

func NewStreamingError(code, message string) *QueryError {
	return NewQueryError(ErrorKindStreamingFailed, code, message)
}

func NewResourceExhaustedError(code, message string) *QueryError {
	return NewQueryError(ErrorKindResourceExhausted, code, message)
}
