// Package errors provides the standardized error taxonomy shared by the HTTP
// API, the outbox relay and the Zeebe workers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode is the wire code returned to clients in the "error" field.
type ErrorCode string

const (
	ErrCodeMissingApplicationID ErrorCode = "missing_applicationId"
	ErrCodeInvalidStage         ErrorCode = "invalid_stage"
	ErrCodeValidationFailed     ErrorCode = "validation_failed"

	ErrCodeApplicationNotFound ErrorCode = "application_not_found"

	ErrCodeStageConflict        ErrorCode = "stage_conflict"
	ErrCodeInvalidTransition    ErrorCode = "invalid_transition"
	ErrCodeDuplicateApplication ErrorCode = "duplicate_application"

	ErrCodeDatabaseConnectionFailed ErrorCode = "database_connection_failed"
	ErrCodeQueryExecutionFailed     ErrorCode = "query_execution_failed"
	ErrCodeQueryTimeout             ErrorCode = "query_timeout"

	ErrCodeNotificationSendFailed ErrorCode = "notification_send_failed"
	ErrCodeExternalService        ErrorCode = "external_service_error"

	ErrCodeInternal ErrorCode = "internal_error"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// NewMissingApplicationIDError is returned when a move request has no application id.
func NewMissingApplicationIDError() *StandardError {
	return newError(ErrCodeMissingApplicationID, "applicationId is required", "", false, nil)
}

// NewInvalidStageError is returned when a stage string does not normalize to a known stage.
func NewInvalidStageError(raw string) *StandardError {
	return newError(ErrCodeInvalidStage, "Unknown pipeline stage", fmt.Sprintf("stage: %q", raw), false, nil)
}

// NewValidationFailedError carries request schema violations.
func NewValidationFailedError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Request validation failed", details, false, nil)
}

// NewApplicationNotFoundError creates a non-retryable not-found error.
func NewApplicationNotFoundError(applicationID string) *StandardError {
	return newError(ErrCodeApplicationNotFound, "Application not found",
		fmt.Sprintf("applicationId: %s", applicationID), false, nil)
}

// NewStageConflictError reports that the row moved under the caller.
func NewStageConflictError(applicationID, expected, actual string) *StandardError {
	return newError(ErrCodeStageConflict, "Application stage changed concurrently",
		fmt.Sprintf("applicationId: %s, expected: %s, actual: %s", applicationID, expected, actual), false, nil).
		WithMetadata("currentStage", actual)
}

// NewInvalidTransitionError is returned when the transition policy rejects a move.
func NewInvalidTransitionError(from, to string) *StandardError {
	return newError(ErrCodeInvalidTransition, "Stage transition not allowed",
		fmt.Sprintf("from: %s, to: %s", from, to), false, nil)
}

// NewDuplicateApplicationError creates a non-retryable duplicate application error.
func NewDuplicateApplicationError(details string) *StandardError {
	return newError(ErrCodeDuplicateApplication, "Application already exists", details, false, nil)
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true, err)
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	return newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true, err)
}

// NewQueryTimeoutError creates a retryable query timeout error.
func NewQueryTimeoutError(operation string, err error) *StandardError {
	return newError(ErrCodeQueryTimeout, "Database query timeout",
		fmt.Sprintf("operation: %s", operation), true, err)
}

// NewNotificationSendFailedError creates a retryable notification send error.
func NewNotificationSendFailedError(sink string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed, "Notification delivery failed",
		fmt.Sprintf("sink: %s, error: %s", sink, err.Error()), true, err)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), err.Error(), true, err)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// 4. Mapping
// ==========================

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeMissingApplicationID:     "MISSING_APPLICATION_ID",
	ErrCodeInvalidStage:             "INVALID_STAGE",
	ErrCodeValidationFailed:         "VALIDATION_FAILED",
	ErrCodeApplicationNotFound:      "APPLICATION_NOT_FOUND",
	ErrCodeStageConflict:            "STAGE_CONFLICT",
	ErrCodeInvalidTransition:        "INVALID_TRANSITION",
	ErrCodeDuplicateApplication:     "DUPLICATE_APPLICATION",
	ErrCodeDatabaseConnectionFailed: "DATABASE_CONNECTION_FAILED",
	ErrCodeQueryExecutionFailed:     "QUERY_EXECUTION_FAILED",
	ErrCodeQueryTimeout:             "QUERY_TIMEOUT",
	ErrCodeNotificationSendFailed:   "NOTIFICATION_SEND_FAILED",
	ErrCodeExternalService:          "EXTERNAL_SERVICE_ERROR",
	ErrCodeInternal:                 "INTERNAL_ERROR",
}

// Normalize ensures we always have a StandardError.
func Normalize(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewInternalError(err)
}

// HTTPStatus maps an error code to the response status of the API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeMissingApplicationID, ErrCodeInvalidStage, ErrCodeValidationFailed:
		return http.StatusBadRequest
	case ErrCodeApplicationNotFound:
		return http.StatusNotFound
	case ErrCodeStageConflict, ErrCodeInvalidTransition, ErrCodeDuplicateApplication:
		return http.StatusConflict
	case ErrCodeDatabaseConnectionFailed, ErrCodeExternalService:
		return http.StatusServiceUnavailable
	case ErrCodeQueryTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether the code is caused by the caller's input.
func IsClientError(code ErrorCode) bool {
	status := HTTPStatus(code)
	return status >= 400 && status < 500
}

func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeExternalService:
		return 3 // Retryable technical errors

	case ErrCodeQueryTimeout:
		return 2

	default:
		return 0 // Business errors: no retry
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = strings.ToUpper(string(stdErr.Code))
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "stage") || strings.Contains(codeStr, "transition"):
		return "PIPELINE"
	case strings.Contains(codeStr, "database") || strings.Contains(codeStr, "query"):
		return "DATABASE"
	case strings.Contains(codeStr, "notification") || strings.Contains(codeStr, "external"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "missing") || strings.Contains(codeStr, "validation"):
		return "VALIDATION"
	case strings.Contains(codeStr, "not_found") || strings.Contains(codeStr, "duplicate"):
		return "APPLICATION"
	default:
		return "OTHER"
	}
}
