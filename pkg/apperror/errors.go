// Package apperror provides a structured way to handle application errors
// with specific codes, severity levels, and additional details. It also
// includes utilities for converting to and from gRPC status errors and
// HTTP status codes.
package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents a specific application error code.
type ErrorCode string

const (
	// Admission control.
	CodeAdmissionDenied   ErrorCode = "ADMISSION_DENIED"
	CodeBackPressure      ErrorCode = "BACK_PRESSURE"

	// Cancellation.
	CodeRequestCancelled  ErrorCode = "REQUEST_CANCELLED"
	CodeDeadlineExceeded  ErrorCode = "DEADLINE_EXCEEDED"

	// User callable outcomes.
	CodeUserUnavailable   ErrorCode = "USER_CALLABLE_UNAVAILABLE"
	CodeUserError         ErrorCode = "USER_CALLABLE_ERROR"
	CodeUserMisuse        ErrorCode = "USER_CALLABLE_MISUSE"

	// Lifecycle.
	CodeInitializationFailed ErrorCode = "INITIALIZATION_FAILED"
	CodeReconfigureFailed    ErrorCode = "RECONFIGURE_FAILED"
	CodeAlreadyDraining      ErrorCode = "ALREADY_DRAINING"
	CodeTerminated           ErrorCode = "TERMINATED"

	// Metrics / exporter.
	CodeMetricsExportFailed ErrorCode = "METRICS_EXPORT_FAILED"
	CodeHealthCheckFailed   ErrorCode = "HEALTH_CHECK_FAILED"

	// General.
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeUnimplemented    ErrorCode = "UNIMPLEMENTED"
)

// Severity defines the criticality level of an error.
type Severity int

const (
	// SeverityWarning indicates a non-critical issue that can be ignored or automatically resolved.
	SeverityWarning Severity = iota
	// SeverityError indicates a standard error that requires attention.
	SeverityError
	// SeverityCritical indicates a severe error that might require immediate human intervention.
	SeverityCritical
)

// String returns the string representation of the Severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Error is a custom error type that includes an ErrorCode, message,
// an optional field, additional details, an underlying cause, and a severity level.
type Error struct {
	Code     ErrorCode
	Message  string
	Field    string
	Details  map[string]any
	Cause    error
	Severity Severity
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] %s (field: %s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// GRPCStatus converts the application error into a gRPC status.Status, used
// by the health server and any internal gRPC-speaking collaborator.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Message)
}

func (e *Error) grpcCode() codes.Code {
	switch e.Code {
	case CodeInvalidArgument, CodeUserMisuse:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeDeadlineExceeded:
		return codes.DeadlineExceeded
	case CodeRequestCancelled:
		return codes.Canceled
	case CodeAdmissionDenied, CodeBackPressure, CodeUserUnavailable, CodeAlreadyDraining, CodeTerminated:
		return codes.Unavailable
	case CodeUnimplemented:
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

// ToHTTPStatus maps the error code onto the HTTP status the facade's gin
// surface should answer with.
func (e *Error) ToHTTPStatus() int {
	switch e.Code {
	case CodeInvalidArgument, CodeUserMisuse:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case CodeRequestCancelled:
		return 499 // client closed request, nginx convention
	case CodeAdmissionDenied, CodeBackPressure:
		return http.StatusTooManyRequests
	case CodeUserUnavailable, CodeAlreadyDraining, CodeTerminated:
		return http.StatusServiceUnavailable
	case CodeUnimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityError}
}

func NewWithField(code ErrorCode, message, field string) *Error {
	return &Error{Code: code, Message: message, Field: field, Details: make(map[string]any), Severity: SeverityError}
}

func NewWarning(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityWarning}
}

func NewCritical(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Details: make(map[string]any), Severity: SeverityCritical}
}

func Wrap(cause error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause, Details: make(map[string]any), Severity: SeverityError}
}

func (e *Error) WithDetails(key string, value any) *Error {
	e.Details[key] = value
	return e
}

func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

func Is(err error, code ErrorCode) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.GRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func FromGRPC(err error) *Error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return New(CodeInternal, err.Error())
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = CodeInvalidArgument
	case codes.NotFound:
		code = CodeNotFound
	case codes.DeadlineExceeded:
		code = CodeDeadlineExceeded
	case codes.Canceled:
		code = CodeRequestCancelled
	case codes.Unavailable:
		code = CodeUserUnavailable
	default:
		code = CodeInternal
	}

	return New(code, st.Message())
}

// ToHTTP converts any error into the HTTP status code the facade should
// respond with, defaulting to 500 for errors it doesn't recognize.
func ToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.ToHTTPStatus()
	}
	return http.StatusInternalServerError
}

func IsWarning(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityWarning
	}
	return false
}

func IsCritical(err error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Severity == SeverityCritical
	}
	return false
}

// Predefined errors for common scenarios.
var (
	ErrAdmissionDenied  = New(CodeAdmissionDenied, "replica is at capacity")
	ErrRequestCancelled = New(CodeRequestCancelled, "request was cancelled")
	ErrAlreadyDraining  = New(CodeAlreadyDraining, "replica is draining")
	ErrTerminated       = New(CodeTerminated, "replica is terminated")
)

// ValidationErrors is a collection of application errors and warnings,
// typically used for aggregating results of multiple validation checks.
type ValidationErrors struct {
	Errors   []*Error
	Warnings []*Error
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{Errors: make([]*Error, 0), Warnings: make([]*Error, 0)}
}

func (v *ValidationErrors) Add(err *Error) {
	if err.Severity == SeverityWarning {
		v.Warnings = append(v.Warnings, err)
	} else {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationErrors) AddError(code ErrorCode, message string) {
	v.Errors = append(v.Errors, New(code, message))
}

func (v *ValidationErrors) AddWarning(code ErrorCode, message string) {
	v.Warnings = append(v.Warnings, NewWarning(code, message))
}

func (v *ValidationErrors) AddErrorWithField(code ErrorCode, message, field string) {
	v.Errors = append(v.Errors, NewWithField(code, message, field))
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) HasWarnings() bool {
	return len(v.Warnings) > 0
}

func (v *ValidationErrors) IsValid() bool {
	return !v.HasErrors()
}

func (v *ValidationErrors) Merge(other *ValidationErrors) {
	if other == nil {
		return
	}
	v.Errors = append(v.Errors, other.Errors...)
	v.Warnings = append(v.Warnings, other.Warnings...)
}

func (v *ValidationErrors) ErrorMessages() []string {
	messages := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		messages[i] = err.Error()
	}
	return messages
}

func (v *ValidationErrors) WarningMessages() []string {
	messages := make([]string, len(v.Warnings))
	for i, warn := range v.Warnings {
		messages[i] = warn.Message
	}
	return messages
}
