/*
errors.go - Centralized error types for the progression engine

ERROR CATEGORIES:
  1. Validation - bad award input, nothing touched
  2. Not found  - user has no progression record, nothing written
  3. Storage    - commit or constraint failure, whole unit rolled back

Duplicates are NOT errors. They come back as a successful AwardResult
with Outcome == OutcomeDuplicate.

USAGE:
  res, err := engine.Award(ctx, req)
  switch {
  case errors.Is(err, progression.ErrUserNotFound):
      // provision the user, then retry with the same SourceID
  case progression.IsRetryable(err):
      // safe to retry; the lock makes it idempotent
  }
*/
package progression

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAward is returned for missing ids or an out-of-range amount.
	ErrInvalidAward = errors.New("invalid award")

	// ErrUserNotFound is returned when no progression record exists.
	ErrUserNotFound = errors.New("user progression not found")

	// ErrDuplicateLock is returned by stores when the (user, source) unique
	// constraint rejects a lock or transaction insert. The engine turns it
	// into a duplicate result; it never reaches callers of Award.
	ErrDuplicateLock = errors.New("duplicate xp lock")

	// ErrStorage marks a failed read, write or commit.
	ErrStorage = errors.New("storage failure")

	// ErrLockRetentionDisabled is returned by PurgeLocks when no retention
	// window is configured.
	ErrLockRetentionDisabled = errors.New("lock retention disabled")

	// ErrInvalidPolicy is returned when thresholds or catalog levels are malformed.
	ErrInvalidPolicy = errors.New("invalid level policy")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid award: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidAward
}

// StorageError wraps a store failure with the operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// NotFoundError carries the user that failed to resolve.
type NotFoundError struct {
	UserID UserID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("user progression not found: %s", e.UserID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrUserNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true for transient failures. Retrying an award is
// always safe because of the lock.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAward)
}

// IsNotFound returns true if the user has no progression record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// OutcomeFor maps an Award error onto its tagged outcome.
func OutcomeFor(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeApplied
	case IsClientError(err):
		return OutcomeInvalid
	case IsNotFound(err):
		return OutcomeNotFound
	default:
		return OutcomeStorageFailure
	}
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
