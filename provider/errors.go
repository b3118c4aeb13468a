package provider

import (
	"errors"
	"fmt"
)

// TransientProviderError is a network failure, timeout or 5xx answer. Retrying may succeed.
type TransientProviderError struct {
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("boleto provider unavailable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("boleto provider unavailable: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// ValidationError is a request the provider refused (bad payer document, invalid amount).
// Retrying the same request cannot succeed.
type ValidationError struct {
	Field      string
	Message    string
	StatusCode int
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("boleto request rejected: %s: %s", e.Field, e.Message)
	}
	return "boleto request rejected: " + e.Message
}

func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
