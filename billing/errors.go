/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Validation  - missing or invalid input (400)
  2. Conflict    - duplicate tuition month, duplicate enrollment (400/409)
  3. NotFound    - course, student, enrollment, payment missing (404)
  4. Degraded    - sequence row missing, timestamp numbering used (logged only)
  5. Downstream  - invoice/notification failed after the payment committed (logged only)

PROPAGATION:
  Failures before the authoritative write abort the operation and surface to
  the caller. Failures after it are isolated: the Payment or Enrollment stands.

USAGE:
  if errors.Is(err, billing.ErrConflict) { ... }

  var dup *billing.DuplicateTuitionPaymentError
  if errors.As(err, &dup) { fmt.Println(dup.Month) }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrNotFound           = errors.New("not found")
	ErrDownstream         = errors.New("downstream failure")
	ErrAllocationDegraded = errors.New("invoice sequence missing, using timestamp numbering")
)

// =============================================================================
// SENTINELS
// =============================================================================

var (
	ErrCourseNotFound     = fmt.Errorf("course %w", ErrNotFound)
	ErrStudentNotFound    = fmt.Errorf("student %w", ErrNotFound)
	ErrEnrollmentNotFound = fmt.Errorf("enrollment %w", ErrNotFound)
	ErrPaymentNotFound    = fmt.Errorf("payment %w", ErrNotFound)
	ErrInvoiceNotFound    = fmt.Errorf("invoice %w", ErrNotFound)
	ErrPeriodNotFound     = fmt.Errorf("financial period %w", ErrNotFound)
	ErrTaskNotFound       = fmt.Errorf("task %w", ErrNotFound)

	ErrDuplicateTuitionPayment = fmt.Errorf("tuition payment already registered: %w", ErrConflict)
	ErrDuplicateEnrollment     = fmt.Errorf("student already enrolled in course: %w", ErrConflict)
	ErrInvoiceExists           = fmt.Errorf("invoice already emitted for payment: %w", ErrConflict)
	ErrSequenceRegression      = fmt.Errorf("invoice sequence cannot move backwards: %w", ErrConflict)

	// ErrSequenceNotFound is returned by SequenceStore when a branch has no
	// sequence row. The allocator turns it into degraded numbering.
	ErrSequenceNotFound = errors.New("invoice sequence not found")

	// ErrConcurrentModification is returned by compare-and-update primitives
	// when the row changed since it was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerInitFailed is returned when the first financial period could
	// not be created and the enrollment was rolled back.
	ErrLedgerInitFailed = errors.New("enrollment ledger initialization failed")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DuplicateTuitionPaymentError names the month that was already paid.
type DuplicateTuitionPaymentError struct {
	EnrollmentID string
	Month        Month
}

func (e *DuplicateTuitionPaymentError) Error() string {
	return fmt.Sprintf("a tuition payment for month %s is already registered for this enrollment", e.Month)
}

func (e *DuplicateTuitionPaymentError) Unwrap() error { return ErrDuplicateTuitionPayment }

// =============================================================================
// HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool   { return errors.Is(err, ErrConflict) }
func IsNotFound(err error) bool   { return errors.Is(err, ErrNotFound) }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
