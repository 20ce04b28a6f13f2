// Package apperr defines the typed errors returned by the approval engine.
// Every validation failure carries a Code that callers branch on instead of
// matching error strings; transport layers map codes onto their own status
// vocabulary.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the category of an engine error.
type Code string

const (
	CodeNotFound                Code = "not_found"
	CodeTenantMismatch          Code = "tenant_mismatch"
	CodeInvalidChainStructure   Code = "invalid_chain_structure"
	CodeNoDefaultChain          Code = "no_default_chain"
	CodeNoLevelsDefined         Code = "no_levels_defined"
	CodeNoApplicableLevel       Code = "no_applicable_level"
	CodeNoEligibleApprovers     Code = "no_eligible_approvers"
	CodeDuplicateRequest        Code = "duplicate_request"
	CodeStepAlreadyProcessed    Code = "step_already_processed"
	CodeRequestAlreadyFinalized Code = "request_already_finalized"
	CodeDelegationNotAllowed    Code = "delegation_not_allowed"
	CodeChainInUse              Code = "chain_in_use"
	CodeForbidden               Code = "forbidden"
	CodeConflict                Code = "conflict"
	CodeInvalidInput            Code = "invalid_input"
	CodeInternal                Code = "internal"
)

// Error is the concrete error type returned by all engine operations.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a resource with the given id does not exist.
func NotFound(resource, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a bad value for a named field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the Code from err, or CodeInternal for foreign errors.
// Returns an empty Code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
