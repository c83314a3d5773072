package subscriptions

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrScopeLocked is wrapped by the ConflictError returned when a scope
// selection is attempted after one was already made
var ErrScopeLocked = errors.New("scope selection is locked")

// ValidationError is returned before any write when input is malformed
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Conflict reasons
const (
	ConflictConcurrentUpdate = "concurrent_update"
	ConflictScopeLocked      = "scope_locked"
)

// ConflictError is returned when the account's state does not allow the
// write. Concurrent updates are retryable, a locked scope is not.
type ConflictError struct {
	AccountID string
	Reason    string
	Err       error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conflict on account %s (%s): %v", e.AccountID, e.Reason, e.Err)
	}
	return fmt.Sprintf("conflict on account %s (%s)", e.AccountID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// NotFoundError is returned when an entity does not exist
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.ID)
}

// ConfigurationError is fatal to the operation that hit it, e.g. a missing default tier
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// QuotaExceededError is returned when recording an access would exceed the
// distinct resource count of the period
type QuotaExceededError struct {
	Resource string
	Current  decimal.Decimal
	Limit    decimal.Decimal
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: current=%s, limit=%s", e.Resource, e.Current, e.Limit)
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConfiguration checks if an error is a configuration error
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var target *QuotaExceededError
	return errors.As(err, &target)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
