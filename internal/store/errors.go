package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrorCode categorizes backing-store failures.
type ErrorCode string

const (
	// ErrCodeConnectionReset indicates the connection died mid-call.
	// A simple read may be retried once after reconnecting.
	ErrCodeConnectionReset ErrorCode = "CONNECTION_RESET"

	// ErrCodeConcurrentUpdate indicates a lost write race: a unique or
	// primary key violation, or a busy/locked database. Retryable.
	ErrCodeConcurrentUpdate ErrorCode = "CONCURRENT_UPDATE"

	// ErrCodeStorageFailure is any other backing-store error. Not retryable.
	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"

	// ErrCodeInterrupted indicates the caller stopped waiting for a worker.
	ErrCodeInterrupted ErrorCode = "INTERRUPTED"
)

// ErrNotConnected is returned when a Mapper is used without a connection.
var ErrNotConnected = errors.New("mapper not connected")

// ErrTxActive is returned by Begin when a transaction is already open.
var ErrTxActive = errors.New("transaction already active")

// ErrNoTx is returned by Commit and Rollback without an open transaction.
var ErrNoTx = errors.New("no active transaction")

// Error is the storage error returned by every Mapper operation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op names the failed operation.
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with an explicit code.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// NewInterrupted creates an Error for a caller that stopped waiting.
func NewInterrupted(op string, cause error) *Error {
	return &Error{Code: ErrCodeInterrupted, Op: op, Err: cause}
}

// wrap classifies err and attaches op. It returns nil for nil.
// An err that already is an *Error keeps its code.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return &Error{Code: se.Code, Op: op, Err: err}
	}
	return &Error{Code: classify(err), Op: op, Err: err}
}

// classify maps driver errors onto the error taxonomy.
func classify(err error) ErrorCode {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
				return ErrCodeConcurrentUpdate
			}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ErrCodeConcurrentUpdate
		}
		return ErrCodeStorageFailure
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return ErrCodeConnectionReset
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeInterrupted
	}
	return ErrCodeStorageFailure
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether err is a lost write race worth retrying.
// Uses errors.As to handle wrapped errors.
func IsRetryable(err error) bool {
	return CodeOf(err) == ErrCodeConcurrentUpdate
}

// IsConnectionReset reports whether the connection died during the call.
func IsConnectionReset(err error) bool {
	return CodeOf(err) == ErrCodeConnectionReset
}

// IsInterrupted reports whether the caller gave up waiting.
func IsInterrupted(err error) bool {
	return CodeOf(err) == ErrCodeInterrupted
}
