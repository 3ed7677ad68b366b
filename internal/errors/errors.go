package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryProvider represents RPC provider errors (timeouts, rate limits, capacity)
	CategoryProvider ErrorCategory = "provider"
	// CategoryDecoding represents a single log that could not be decoded
	CategoryDecoding ErrorCategory = "decoding"
	// CategoryMisconfiguration represents a job whose decoding instructions cannot
	// apply to the logs it matches (ABI mismatch, missing argument, bad topic slot)
	CategoryMisconfiguration ErrorCategory = "misconfiguration"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents invalid input from a collaborator
	CategoryValidation ErrorCategory = "validation"
	// CategorySystem represents anything else
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with a category and machine readable code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Validation Errors

// NewInvalidAddressError creates an invalid address error
func NewInvalidAddressError(address string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_ADDRESS",
		Message:  fmt.Sprintf("invalid address format: %s", address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     "INVALID_PARAMETER",
		Message:  fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// Decoding and job errors

// NewMisconfigurationError reports decoding instructions that cannot apply to a log
func NewMisconfigurationError(message string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category: CategoryMisconfiguration,
		Code:     "JOB_MISCONFIGURED",
		Message:  message,
		Details:  details,
	}
}

// NewDecodingError reports a log whose payload could not be unpacked
func NewDecodingError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDecoding,
		Code:     "DECODING_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// System Errors

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategorySystem,
		Code:     "INTERNAL_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     "DATABASE_ERROR",
		Message:  fmt.Sprintf("database error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryCache,
		Code:     "CACHE_ERROR",
		Message:  fmt.Sprintf("cache error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Data Provider Errors

// NewProviderError creates a data provider error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProvider,
		Code:     "PROVIDER_ERROR",
		Message:  fmt.Sprintf("data provider error: %s", provider),
		Cause:    cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// Categorize categorizes an existing error, searching the wrap chain
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// IsRetryable determines if an error is worth retrying later
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryProvider, CategoryDatabase, CategoryCache:
		return true
	default:
		return false
	}
}

// IsMisconfiguration reports whether err stems from a misconfigured job
func IsMisconfiguration(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == CategoryMisconfiguration
}

// IsValidation reports whether err was caused by invalid collaborator input
func IsValidation(err error) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Category == CategoryValidation
}
