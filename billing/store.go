/*
store.go - RecordStore contracts consumed by the billing engine

PURPOSE:
  Defines the interface between the engine and the hosted table store.
  Every method is a single-row (or single-statement) operation. There is no
  WithTx: the store does not expose multi-statement transactions, and the
  engine must stay correct without them.

ATOMIC PRIMITIVES:
  IncrementSequence:       increment-and-return in one statement
  CompareAndUpdatePeriod:  UPDATE ... WHERE status = 'PENDING' AND version = ?
  InsertPayment:           unique (enrollment_id, tuition_month) for TUITION
  InsertEnrollment:        unique (student_id, course_id)
  InsertInvoice:           unique payment_id
  ClaimTask:               pending -> running compare-and-set

IMPLEMENTATIONS:
  - billing/store/memory.go: In-memory for tests and dev
  - store/sqlstore/sqlstore.go: SQLite / PostgreSQL over sqlx
*/
package billing

import (
	"context"
	"time"
)

type StudentStore interface {
	InsertStudent(ctx context.Context, s Student) (*Student, error)
	GetStudent(ctx context.Context, id string) (*Student, error)
	ListStudents(ctx context.Context, branchID string) ([]Student, error)
}

type CourseStore interface {
	InsertCourse(ctx context.Context, c Course) (*Course, error)
	GetCourse(ctx context.Context, id string) (*Course, error)
	ListCourses(ctx context.Context, branchID string) ([]Course, error)
}

type EnrollmentStore interface {
	// InsertEnrollment returns ErrDuplicateEnrollment when (student, course) exists.
	InsertEnrollment(ctx context.Context, e Enrollment) (*Enrollment, error)
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	SetEnrollmentActive(ctx context.Context, id string, active bool) (*Enrollment, error)
	DeleteEnrollment(ctx context.Context, id string) error
	ListActiveEnrollments(ctx context.Context, branchID string) ([]Enrollment, error)
}

type PeriodStore interface {
	InsertPeriod(ctx context.Context, p FinancialPeriod) (*FinancialPeriod, error)
	// OldestPendingPeriod returns (nil, nil) when the enrollment has no PENDING period.
	OldestPendingPeriod(ctx context.Context, enrollmentID string) (*FinancialPeriod, error)
	// CompareAndUpdatePeriod persists AmountPaid and Status only if the row is
	// still PENDING at expectedVersion. Returns ErrConcurrentModification otherwise.
	CompareAndUpdatePeriod(ctx context.Context, p FinancialPeriod, expectedVersion int64) (*FinancialPeriod, error)
	ListPeriods(ctx context.Context, enrollmentID string) ([]FinancialPeriod, error)
}

type PaymentStore interface {
	// InsertPayment returns ErrDuplicateTuitionPayment when a TUITION payment
	// already exists for (enrollment_id, tuition_month).
	InsertPayment(ctx context.Context, p Payment) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	UpdatePayment(ctx context.Context, p Payment) (*Payment, error)
	TuitionPaymentExists(ctx context.Context, enrollmentID string, month Month) (bool, error)
	ListPayments(ctx context.Context, enrollmentID string) ([]Payment, error)
}

type SequenceStore interface {
	// IncrementSequence bumps current_number and returns the new row.
	// Returns ErrSequenceNotFound when the branch has no sequence.
	IncrementSequence(ctx context.Context, branchID string) (*InvoiceSequence, error)
	GetSequence(ctx context.Context, branchID string) (*InvoiceSequence, error)
	// UpsertSequence creates the row or updates it if currentNumber does not
	// lower the stored value. Returns ErrSequenceRegression otherwise.
	UpsertSequence(ctx context.Context, seq InvoiceSequence) (*InvoiceSequence, error)
}

type InvoiceStore interface {
	// InsertInvoice writes the invoice and its items. Returns ErrInvoiceExists
	// when the payment already has one.
	InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	InvoiceForPayment(ctx context.Context, paymentID string) (*Invoice, error)
}

type TaskStore interface {
	InsertTask(ctx context.Context, t Task) (*Task, error)
	// DueTasks returns pending tasks with RunAt <= now, oldest first.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)
	// ClaimTask moves a pending task to running. Returns ErrConcurrentModification
	// if another worker got it first.
	ClaimTask(ctx context.Context, id string, now time.Time) (*Task, error)
	CompleteTask(ctx context.Context, id string, now time.Time) error
	// RescheduleTask records the failure and sets status (pending or dead).
	RescheduleTask(ctx context.Context, id string, status TaskStatus, runAt time.Time, lastErr string) error
	GetTask(ctx context.Context, id string) (*Task, error)
}

// Store aggregates every table the engine touches.
type Store interface {
	StudentStore
	CourseStore
	EnrollmentStore
	PeriodStore
	PaymentStore
	SequenceStore
	InvoiceStore
	TaskStore
}
