package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of provisioning errors
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeProcess    ErrorType = "process"
	ErrorTypePermission ErrorType = "permission"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeArchive    ErrorType = "archive"
	ErrorTypeStep       ErrorType = "step"
	ErrorTypeInternal   ErrorType = "internal"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

func NewPermissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypePermission, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewArchiveError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeArchive, message, cause)
}

// NewStepError reports a fatal provisioning step failure
func NewStepError(step string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStep, "provisioning step failed", cause).WithContext("step", step)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func isType(err error, errorType ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == errorType
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsNetworkError(err error) bool {
	return isType(err, ErrorTypeNetwork)
}

func IsArchiveError(err error) bool {
	return isType(err, ErrorTypeArchive)
}

func IsStepError(err error) bool {
	return isType(err, ErrorTypeStep)
}

// ErrorCollection aggregates errors from best-effort operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
