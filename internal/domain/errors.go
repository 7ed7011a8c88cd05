package domain

import (
	"errors"
	"fmt"
)

// Error codes carried by AppError.
const (
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeExpired         = "EXPIRED"
	CodeExhausted       = "EXHAUSTED"
	CodeBindingMismatch = "BINDING_MISMATCH"
	CodeTransientStore  = "TRANSIENT_STORE_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeAccountLocked   = "ACCOUNT_LOCKED"
	CodeRateLimited     = "RATE_LIMITED"
	CodeLoginDenied     = "LOGIN_DENIED"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError is the base domain error type.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	return HasCode(err, CodeTransientStore)
}

// Standard domain error constructors.

func ErrConfiguration(msg string) *AppError {
	return &AppError{Code: CodeConfiguration, Message: msg, Status: 500}
}

func ErrValidation(msg string) *AppError {
	return &AppError{Code: CodeValidation, Message: msg, Status: 400}
}

func ErrNotFound(entity, id string) *AppError {
	return &AppError{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id), Status: 404}
}

func ErrExpired(entity string) *AppError {
	return &AppError{Code: CodeExpired, Message: fmt.Sprintf("%s expired", entity), Status: 401}
}

func ErrExhausted(msg string) *AppError {
	return &AppError{Code: CodeExhausted, Message: msg, Status: 429}
}

func ErrBindingMismatch(msg string) *AppError {
	return &AppError{Code: CodeBindingMismatch, Message: msg, Status: 401}
}

func ErrTransientStore(op string, cause error) *AppError {
	return &AppError{Code: CodeTransientStore, Message: op, Status: 503, Cause: cause}
}

func ErrUnauthorized(msg string) *AppError {
	return &AppError{Code: CodeUnauthorized, Message: msg, Status: 401}
}

func ErrForbidden(msg string) *AppError {
	return &AppError{Code: CodeForbidden, Message: msg, Status: 403}
}

func ErrConflict(msg string) *AppError {
	return &AppError{Code: CodeConflict, Message: msg, Status: 409}
}

func ErrAccountLocked(msg string) *AppError {
	return &AppError{Code: CodeAccountLocked, Message: msg, Status: 429}
}

func ErrRateLimited(msg string) *AppError {
	return &AppError{Code: CodeRateLimited, Message: msg, Status: 429}
}

func ErrLoginDenied(msg string) *AppError {
	return &AppError{Code: CodeLoginDenied, Message: msg, Status: 403}
}

func ErrInternal(msg string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, Status: 500, Cause: cause}
}
