package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents internal error codes for directory and migration operations
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument   ErrorCode = 1000
	ErrCodeKeyNotFound       ErrorCode = 1001
	ErrCodeReadOnlyViolation ErrorCode = 1002

	// Server errors
	ErrCodeStorage           ErrorCode = 2000
	ErrCodeMigration         ErrorCode = 2001
	ErrCodeMigrationPlanning ErrorCode = 2002
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case ErrCodeKeyNotFound:
		return "KEY_NOT_FOUND"
	case ErrCodeReadOnlyViolation:
		return "READ_ONLY"
	case ErrCodeStorage:
		return "STORAGE_ERROR"
	case ErrCodeMigration:
		return "MIGRATION_FAILED"
	case ErrCodeMigrationPlanning:
		return "PLANNING_FAILED"
	default:
		return fmt.Sprintf("ERROR_%d", int(c))
	}
}

// Sentinels for errors.Is checks.
var (
	ErrKeyNotFound     = stderrors.New("key not found")
	ErrReadOnly        = stderrors.New("read-only violation")
	ErrStorage         = stderrors.New("storage error")
	ErrMigration       = stderrors.New("migration error")
	ErrPlanning        = stderrors.New("migration planning error")
	ErrInvalidArgument = stderrors.New("invalid argument")
)

// HiveError represents a structured error with code and context
type HiveError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *HiveError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the cause and the sentinel of the error's code.
func (e *HiveError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *HiveError) sentinel() error {
	switch e.Code {
	case ErrCodeKeyNotFound:
		return ErrKeyNotFound
	case ErrCodeReadOnlyViolation:
		return ErrReadOnly
	case ErrCodeMigration:
		return ErrMigration
	case ErrCodeMigrationPlanning:
		return ErrPlanning
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	default:
		return ErrStorage
	}
}

// NewHiveError creates a new HiveError
func NewHiveError(code ErrorCode, message string, cause error) *HiveError {
	return &HiveError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *HiveError) WithDetail(key string, value interface{}) *HiveError {
	e.Details[key] = value
	return e
}

func InvalidArgument(message string, cause error) *HiveError {
	return NewHiveError(ErrCodeInvalidArgument, message, cause)
}

// KeyNotFound reports a required single-row directory lookup that found nothing.
func KeyNotFound(table string, key any) *HiveError {
	return NewHiveError(ErrCodeKeyNotFound, fmt.Sprintf("%v is not found in %s", key, table), nil).
		WithDetail("table", table).
		WithDetail("key", key)
}

// ReadOnlyViolation reports a write attempted against a locked key, node or hive.
func ReadOnlyViolation(subject string, key any) *HiveError {
	return NewHiveError(ErrCodeReadOnlyViolation, fmt.Sprintf("%s %v is read-only", subject, key), nil).
		WithDetail("subject", subject).
		WithDetail("key", key)
}

// Storage wraps an underlying SQL or connectivity failure with operation context.
func Storage(operation string, cause error) *HiveError {
	return NewHiveError(ErrCodeStorage, operation, cause).WithDetail("operation", operation)
}

// MigrationFailed reports a failure of the migration protocol. The message always
// names the phase and the affected nodes.
func MigrationFailed(phase string, key any, nodes []string, message string, cause error) *HiveError {
	msg := fmt.Sprintf("migration of key %v failed during %s on [%s]: %s", key, phase, strings.Join(nodes, ", "), message)
	return NewHiveError(ErrCodeMigration, msg, cause).
		WithDetail("phase", phase).
		WithDetail("key", key).
		WithDetail("nodes", nodes)
}

// PlanningFailed reports that no valid migration plan could be produced.
func PlanningFailed(message string, cause error) *HiveError {
	return NewHiveError(ErrCodeMigrationPlanning, message, cause)
}

// IsHiveError checks if an error is a HiveError
func IsHiveError(err error) bool {
	var he *HiveError
	return stderrors.As(err, &he)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var he *HiveError
	if stderrors.As(err, &he) {
		return he.Code
	}
	return ErrCodeStorage
}

// Phase returns the migration phase recorded on err, if any.
func Phase(err error) string {
	var he *HiveError
	if stderrors.As(err, &he) {
		if p, ok := he.Details["phase"].(string); ok {
			return p
		}
	}
	return ""
}

// HTTPStatus maps an error to the status code returned by the admin API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch GetCode(err) {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeKeyNotFound:
		return http.StatusNotFound
	case ErrCodeReadOnlyViolation:
		return http.StatusConflict
	case ErrCodeMigrationPlanning:
		return http.StatusUnprocessableEntity
	case ErrCodeMigration:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
