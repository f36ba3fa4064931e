package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnrollInput is the request to enroll a student in a course.
type EnrollInput struct {
	StudentID      string
	CourseID       string
	EnrollmentDate *time.Time // defaults to now
}

// EnrollmentLedger creates enrollments together with their first financial
// period. An enrollment without a billing record is invalid state, so a
// failed period insert deletes the enrollment again.
type EnrollmentLedger struct {
	store interface {
		StudentStore
		CourseStore
		EnrollmentStore
		PeriodStore
	}
	log zerolog.Logger
	now func() time.Time
}

func NewEnrollmentLedger(store Store, log zerolog.Logger) *EnrollmentLedger {
	return &EnrollmentLedger{
		store: store,
		log:   log.With().Str("component", "enrollment_ledger").Logger(),
		now:   time.Now,
	}
}

// Enroll validates the input, persists the enrollment and initializes its ledger.
func (l *EnrollmentLedger) Enroll(ctx context.Context, actor ActorContext, in EnrollInput) (*Enrollment, *FinancialPeriod, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	in.CourseID = strings.TrimSpace(in.CourseID)
	if in.StudentID == "" {
		return nil, nil, invalid("student_id", "is required")
	}
	if in.CourseID == "" {
		return nil, nil, invalid("course_id", "is required")
	}

	if _, err := l.store.GetStudent(ctx, in.StudentID); err != nil {
		return nil, nil, err
	}
	course, err := l.store.GetCourse(ctx, in.CourseID)
	if err != nil {
		return nil, nil, err
	}

	now := l.now().UTC()
	date := now
	if in.EnrollmentDate != nil {
		date = in.EnrollmentDate.UTC()
	}

	enrollment, err := l.store.InsertEnrollment(ctx, Enrollment{
		ID:             uuid.NewString(),
		StudentID:      in.StudentID,
		CourseID:       course.ID,
		BranchID:       course.BranchID,
		EnrollmentDate: date,
		IsActive:       true,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, nil, err
	}

	period, err := l.initialize(ctx, *enrollment, *course)
	if err != nil {
		return nil, nil, l.rollback(ctx, enrollment, err)
	}

	l.log.Info().
		Str("enrollment_id", enrollment.ID).
		Str("branch_id", enrollment.BranchID).
		Str("actor", actor.UserID).
		Str("month", period.Month.String()).
		Msg("enrollment created")
	return enrollment, period, nil
}

// Initialize creates the first PENDING period of an existing enrollment.
func (l *EnrollmentLedger) Initialize(ctx context.Context, e Enrollment) (*FinancialPeriod, error) {
	course, err := l.store.GetCourse(ctx, e.CourseID)
	if err != nil {
		return nil, err
	}
	return l.initialize(ctx, e, *course)
}

func (l *EnrollmentLedger) initialize(ctx context.Context, e Enrollment, c Course) (*FinancialPeriod, error) {
	now := l.now().UTC()
	return l.store.InsertPeriod(ctx, FinancialPeriod{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		Month:        MonthOf(now),
		AmountDue:    c.MonthlyFee,
		AmountPaid:   Money{},
		Status:       PeriodPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func (l *EnrollmentLedger) rollback(ctx context.Context, e *Enrollment, cause error) error {
	logger := l.log.With().Str("event", "ledger_init_rollback").Str("enrollment_id", e.ID).Logger()
	if delErr := l.store.DeleteEnrollment(ctx, e.ID); delErr != nil {
		logger.Error().Err(cause).AnErr("delete_error", delErr).Msg("ledger init failed and enrollment could not be removed")
		return fmt.Errorf("%w: %w", ErrLedgerInitFailed, errors.Join(cause, delErr))
	}
	logger.Warn().Err(cause).Msg("ledger init failed, enrollment removed")
	return fmt.Errorf("%w: %w", ErrLedgerInitFailed, cause)
}

// Get returns an enrollment by ID.
func (l *EnrollmentLedger) Get(ctx context.Context, id string) (*Enrollment, error) {
	return l.store.GetEnrollment(ctx, id)
}

// Deactivate marks an enrollment inactive. Enrollments with ledger rows are
// never deleted.
func (l *EnrollmentLedger) Deactivate(ctx context.Context, actor ActorContext, id string) (*Enrollment, error) {
	e, err := l.store.SetEnrollmentActive(ctx, id, false)
	if err != nil {
		return nil, err
	}
	l.log.Info().Str("enrollment_id", id).Str("actor", actor.UserID).Msg("enrollment deactivated")
	return e, nil
}
