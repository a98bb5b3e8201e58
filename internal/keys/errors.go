// Package keys owns the per-user symmetric key lifecycle for the vault.
package keys

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of key or encryption failure.
type ErrorCode string

// Fixed error codes shared by the key manager and the encryption layer.
const (
	CodeInvalidKey          ErrorCode = "INVALID_KEY"
	CodeKeyExpired          ErrorCode = "KEY_EXPIRED"
	CodeKeyNotFound         ErrorCode = "KEY_NOT_FOUND"
	CodeKeyGenerationFailed ErrorCode = "KEY_GENERATION_FAILED"
	CodeEncryptionFailed    ErrorCode = "ENCRYPTION_FAILED"
	CodeDecryptionFailed    ErrorCode = "DECRYPTION_FAILED"
)

// EncryptionError is the single error type for key and content crypto
// failures. It wraps the underlying cause for errors.Is/As.
type EncryptionError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *EncryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("keys: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("keys: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// NewError creates an EncryptionError.
func NewError(code ErrorCode, op string, err error) *EncryptionError {
	return &EncryptionError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the ErrorCode from an error chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ee *EncryptionError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
