// Package vectorstore provides the per-user vector storage layer of the vault.
package vectorstore

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a class of vector store failure.
type ErrorCode string

// Fixed error codes surfaced by every Store operation.
const (
	CodeInitFailed         ErrorCode = "INIT_FAILED"
	CodeNotInitialized     ErrorCode = "NOT_INITIALIZED"
	CodeCollectionNotFound ErrorCode = "COLLECTION_NOT_FOUND"
	CodeQueryFailed        ErrorCode = "QUERY_FAILED"
	CodeInsertFailed       ErrorCode = "INSERT_FAILED"
	CodeUpdateFailed       ErrorCode = "UPDATE_FAILED"
	CodeDeleteFailed       ErrorCode = "DELETE_FAILED"
	CodeConnectionLost     ErrorCode = "CONNECTION_LOST"
)

// StoreError is the single error type carried by all store failures.
// It wraps the underlying cause so errors.Is/As keep working.
type StoreError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("vectorstore: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("vectorstore: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError creates a StoreError for the given operation and cause.
func NewStoreError(code ErrorCode, op string, err error) *StoreError {
	return &StoreError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the ErrorCode from an error chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Sentinel errors for caller-side checks.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyBatch indicates an empty or nil record batch.
	ErrEmptyBatch = errors.New("empty or nil batch")

	// ErrBatchLengthMismatch indicates id/content/metadata/embedding slices
	// of different lengths. This is a caller error, never retried.
	ErrBatchLengthMismatch = errors.New("batch slice lengths differ")

	// ErrConnectionFailed indicates the backend is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector backend")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrMissingOwner is returned when an operation has no owning user.
	// Fail closed: no empty results, just errors.
	ErrMissingOwner = errors.New("owner id required")
)
