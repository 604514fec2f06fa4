// Package errs defines the error taxonomy returned by the storage control plane.
//
// Every error wraps one of the sentinel values below and is classified with a
// containerd errdefs class, so callers may use either errors.Is(err, errs.ErrNotFound)
// or errdefs.IsNotFound(err).
package errs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Taxonomy sentinels.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrNotFound           = errors.New("not found")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrDuplicateContent   = errors.New("duplicate content")
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrStorageReadFailed  = errors.New("storage read failed")
	ErrTransactionFailed  = errors.New("transaction failed")
	ErrRollbackFailed     = errors.New("transaction rollback failed")
	ErrAccountNotFound    = errors.New("account not found")
)

// classes maps each sentinel to its errdefs class.
var classes = map[error]error{
	ErrInvalidInput:       errdefs.ErrInvalidArgument,
	ErrNotFound:           errdefs.ErrNotFound,
	ErrQuotaExceeded:      errdefs.ErrResourceExhausted,
	ErrDuplicateContent:   errdefs.ErrAlreadyExists,
	ErrStorageWriteFailed: errdefs.ErrUnavailable,
	ErrStorageReadFailed:  errdefs.ErrUnavailable,
	ErrTransactionFailed:  errdefs.ErrAborted,
	ErrRollbackFailed:     errdefs.ErrDataLoss,
	ErrAccountNotFound:    errdefs.ErrNotFound,
}

// Error is a taxonomy error carrying a kind, a message and an optional cause.
type Error struct {
	Kind  error
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the kind, its errdefs class and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if class, ok := classes[e.Kind]; ok {
		out = append(out, class)
	}
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	return out
}

func newf(kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// InvalidInput reports a validation failure.
func InvalidInput(format string, args ...any) error {
	return newf(ErrInvalidInput, nil, format, args...)
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) error {
	return newf(ErrNotFound, nil, "%s %v", resource, id)
}

// DuplicateContent reports content whose fingerprint is already stored.
func DuplicateContent(fingerprint string) error {
	return newf(ErrDuplicateContent, nil, "fingerprint %s", fingerprint)
}

// StorageWriteFailed wraps a physical storage write or delete failure.
func StorageWriteFailed(key string, cause error) error {
	return newf(ErrStorageWriteFailed, cause, "key %q", key)
}

// StorageReadFailed wraps a physical storage read failure.
func StorageReadFailed(key string, cause error) error {
	return newf(ErrStorageReadFailed, cause, "key %q", key)
}

// TransactionFailed wraps the cause of a rolled back or uncommitted transaction.
func TransactionFailed(cause error) error {
	return &Error{Kind: ErrTransactionFailed, Cause: cause}
}

// RollbackFailed reports that a rollback itself failed while handling cause.
func RollbackFailed(rollbackErr, cause error) error {
	return &Error{Kind: ErrRollbackFailed, Msg: rollbackErr.Error(), Cause: cause}
}

// AccountNotFound reports a user without a durable account record.
func AccountNotFound(userID int64) error {
	return newf(ErrAccountNotFound, nil, "user %d", userID)
}

// AccountLoadFailed reports a user whose account record could not be read.
func AccountLoadFailed(userID int64, cause error) error {
	return newf(ErrAccountNotFound, cause, "user %d", userID)
}

// UnreadableContent reports upload content that could not be read from its source.
func UnreadableContent(name string, cause error) error {
	return newf(ErrInvalidInput, cause, "read content of %q", name)
}

// QuotaExceededError is returned when a reservation would push usage past the quota.
type QuotaExceededError struct {
	UserID    int64
	Used      int64
	Quota     int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: used %d, quota %d, requested %d", ErrQuotaExceeded, e.Used, e.Quota, e.Requested)
}

// Unwrap classifies the error as ErrQuotaExceeded and errdefs.ErrResourceExhausted.
func (e *QuotaExceededError) Unwrap() []error {
	return []error{ErrQuotaExceeded, errdefs.ErrResourceExhausted}
}

// QuotaExceeded builds a QuotaExceededError.
func QuotaExceeded(userID, used, quota, requested int64) error {
	return &QuotaExceededError{UserID: userID, Used: used, Quota: quota, Requested: requested}
}
