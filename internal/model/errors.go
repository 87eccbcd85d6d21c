package model

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed request. Nothing is applied when it is
// returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown partner, conversion, block or ledger entry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// NotFound builds a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// GatewayTimeoutError reports that the chain data gateway did not answer for a
// block within the retry budget.
type GatewayTimeoutError struct {
	Validator string
	Block     int64
	Err       error
}

func (e *GatewayTimeoutError) Error() string {
	return fmt.Sprintf("gateway timeout: validator %s block %d: %v", e.Validator, e.Block, e.Err)
}

func (e *GatewayTimeoutError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsGatewayTimeout reports whether err carries a GatewayTimeoutError.
func IsGatewayTimeout(err error) bool {
	var gt *GatewayTimeoutError
	return errors.As(err, &gt)
}
