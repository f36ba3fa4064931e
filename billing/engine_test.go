package billing_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/school-billing/billing"
	"github.com/warp/school-billing/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	ctx   = context.Background()
	clock = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	admin = billing.ActorContext{UserID: "user-1234", BranchID: "branch-1", Role: "admin"}
)

type fixture struct {
	mem       *store.Memory
	engine    *billing.Engine
	published []billing.Notification
	mu        sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithLog(t, zerolog.Nop())
}

func newFixtureWithLog(t *testing.T, log zerolog.Logger) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory()}
	f.engine = billing.NewEngine(f.mem, billing.PublisherFunc(func(_ context.Context, n billing.Notification) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.published = append(f.published, n)
		return nil
	}), log)
	f.engine.SetClock(func() time.Time { return clock })
	return f
}

func money(s string) billing.Money { return decimal.RequireFromString(s) }

func month(s string) *billing.Month {
	m := billing.Month(s)
	return &m
}

// enroll creates a course of fee/month and enrolls a fresh student in it.
func (f *fixture) enroll(t *testing.T, fee string) *billing.Enrollment {
	t.Helper()
	course, err := f.engine.Catalog.CreateCourse(ctx, billing.Course{BranchID: admin.BranchID, Name: "Inglés", MonthlyFee: money(fee)})
	require.NoError(t, err)
	student, err := f.engine.Catalog.CreateStudent(ctx, billing.Student{BranchID: admin.BranchID, FirstName: "Ana", LastName: "Ruiz"})
	require.NoError(t, err)
	e, _, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})
	require.NoError(t, err)
	return e
}

func tuition(enrollmentID, amount string, m *billing.Month) billing.RegisterPaymentInput {
	return billing.RegisterPaymentInput{
		EnrollmentID: enrollmentID,
		Amount:       money(amount),
		Method:       billing.MethodCash,
		PaymentType:  billing.PaymentTuition,
		TuitionMonth: m,
	}
}

func (f *fixture) configureSequence(t *testing.T, series string, n int64) {
	t.Helper()
	_, err := f.engine.Sequences.Configure(ctx, admin.BranchID, series, n)
	require.NoError(t, err)
}

// =============================================================================
// ENROLLMENT LEDGER
// =============================================================================

func TestEnroll_OpensPendingPeriodForCurrentMonth(t *testing.T) {
	// GIVEN: a course of 150/month
	f := newFixture(t)

	// WHEN: a student enrolls
	e := f.enroll(t, "150")

	// THEN: exactly one PENDING period for the clock's month
	periods, err := f.engine.Payments.Periods(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.Equal(t, billing.Month("2024-01"), periods[0].Month)
	assert.Equal(t, billing.PeriodPending, periods[0].Status)
	assert.True(t, periods[0].AmountDue.Equal(money("150")))
	assert.True(t, periods[0].AmountPaid.IsZero())
	assert.True(t, e.IsActive)
	assert.Equal(t, admin.BranchID, e.BranchID)
}

func TestEnroll_RollsBackWhenLedgerInitFails(t *testing.T) {
	// GIVEN: the period insert will fail
	f := newFixture(t)
	course, err := f.engine.Catalog.CreateCourse(ctx, billing.Course{BranchID: admin.BranchID, Name: "Piano", MonthlyFee: money("100")})
	require.NoError(t, err)
	student, err := f.engine.Catalog.CreateStudent(ctx, billing.Student{BranchID: admin.BranchID, FirstName: "Ana"})
	require.NoError(t, err)
	f.mem.FailNext("InsertPeriod", errors.New("disk full"))

	// WHEN: enrolling
	_, _, err = f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})

	// THEN: the error is ErrLedgerInitFailed and no enrollment is left behind
	require.ErrorIs(t, err, billing.ErrLedgerInitFailed)
	assert.Contains(t, err.Error(), "disk full")
	active, err := f.mem.ListActiveEnrollments(ctx, admin.BranchID)
	require.NoError(t, err)
	assert.Empty(t, active)

	// AND: the student can enroll again
	_, period, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})
	require.NoError(t, err)
	assert.NotNil(t, period)
}

func TestEnroll_RollbackFailureReportsBothErrors(t *testing.T) {
	f := newFixture(t)
	course, err := f.engine.Catalog.CreateCourse(ctx, billing.Course{BranchID: admin.BranchID, Name: "Piano", MonthlyFee: money("100")})
	require.NoError(t, err)
	student, err := f.engine.Catalog.CreateStudent(ctx, billing.Student{BranchID: admin.BranchID, FirstName: "Ana"})
	require.NoError(t, err)
	f.mem.FailNext("InsertPeriod", errors.New("period write failed"))
	f.mem.FailNext("DeleteEnrollment", errors.New("delete failed"))

	_, _, err = f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})

	require.ErrorIs(t, err, billing.ErrLedgerInitFailed)
	assert.Contains(t, err.Error(), "period write failed")
	assert.Contains(t, err.Error(), "delete failed")
}

func TestEnroll_Errors(t *testing.T) {
	f := newFixture(t)
	course, err := f.engine.Catalog.CreateCourse(ctx, billing.Course{BranchID: admin.BranchID, Name: "Piano", MonthlyFee: money("100")})
	require.NoError(t, err)
	student, err := f.engine.Catalog.CreateStudent(ctx, billing.Student{BranchID: admin.BranchID, FirstName: "Ana"})
	require.NoError(t, err)

	t.Run("missing student_id", func(t *testing.T) {
		_, _, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{CourseID: course.ID})
		assert.True(t, billing.IsValidation(err))
	})
	t.Run("unknown course", func(t *testing.T) {
		_, _, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: "nope"})
		assert.ErrorIs(t, err, billing.ErrCourseNotFound)
	})
	t.Run("unknown student", func(t *testing.T) {
		_, _, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: "nope", CourseID: course.ID})
		assert.ErrorIs(t, err, billing.ErrStudentNotFound)
	})
	t.Run("duplicate", func(t *testing.T) {
		_, _, err := f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})
		require.NoError(t, err)
		_, _, err = f.engine.Enrollments.Enroll(ctx, admin, billing.EnrollInput{StudentID: student.ID, CourseID: course.ID})
		assert.ErrorIs(t, err, billing.ErrDuplicateEnrollment)
		assert.True(t, billing.IsConflict(err))
	})
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestRegister_AllocatesToOldestPendingPeriod(t *testing.T) {
	// GIVEN: an enrollment of 150/month and sequence A at 0
	f := newFixture(t)
	e := f.enroll(t, "150")
	f.configureSequence(t, "A", 0)

	// WHEN: paying the full month
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "150", month("2024-01")))

	// THEN: the period is PAID and invoice #1 is emitted
	require.NoError(t, err)
	require.NotNil(t, res.Period)
	assert.Equal(t, billing.PeriodPaid, res.Period.Status)
	assert.True(t, res.Period.AmountPaid.Equal(money("150")))
	require.NotNil(t, res.Invoice)
	assert.Equal(t, "A-user-000001", res.Invoice.InvoiceNumber)
	assert.False(t, res.InvoiceDegraded)
	require.Len(t, res.Invoice.Items, 1)
	assert.Equal(t, "Pago de mensualidad 2024-01", res.Invoice.Items[0].Description)
	assert.True(t, res.Invoice.TotalAmount.Equal(money("150")))
}

func TestRegister_PartialPaymentLeavesPeriodPending(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "150")

	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))

	require.NoError(t, err)
	require.NotNil(t, res.Period)
	assert.Equal(t, billing.PeriodPending, res.Period.Status)
	assert.True(t, res.Period.Outstanding().Equal(money("50")))
}

func TestRegister_SequentialPaymentsAccumulate(t *testing.T) {
	// GIVEN: a single pending period due 150
	f := newFixture(t)
	e := f.enroll(t, "150")

	// WHEN/THEN: each payment adds up, PAID only once the due amount is reached
	want := []struct {
		paid   string
		status billing.PeriodStatus
	}{
		{"60", billing.PeriodPending},
		{"120", billing.PeriodPending},
		{"180", billing.PeriodPaid},
	}
	for _, w := range want {
		res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "60", nil))
		require.NoError(t, err)
		require.NotNil(t, res.Period)
		assert.True(t, res.Period.AmountPaid.Equal(money(w.paid)), res.Period.AmountPaid.String())
		assert.Equal(t, w.status, res.Period.Status)
	}
}

func TestRegister_DegradedInvoiceStillSucceeds(t *testing.T) {
	// GIVEN: no sequence for the branch
	var buf bytes.Buffer
	f := newFixtureWithLog(t, zerolog.New(&buf))
	e := f.enroll(t, "100")

	// WHEN: paying
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))

	// THEN: the payment and a degraded invoice exist
	require.NoError(t, err)
	require.NotNil(t, res.Invoice)
	assert.True(t, res.InvoiceDegraded)
	assert.True(t, strings.HasPrefix(res.Invoice.InvoiceNumber, "FAC-"))
	assert.Contains(t, buf.String(), "allocation_degraded")
}

func TestRegister_DuplicateTuitionMonthIsRejected(t *testing.T) {
	// GIVEN: January already paid
	f := newFixture(t)
	e := f.enroll(t, "100")
	_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-01")))
	require.NoError(t, err)

	// WHEN: January is paid again
	_, err = f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-01")))

	// THEN: the duplicate is rejected, naming the month
	var dup *billing.DuplicateTuitionPaymentError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, billing.Month("2024-01"), dup.Month)
	assert.Contains(t, err.Error(), "2024-01")
	assert.ErrorIs(t, err, billing.ErrDuplicateTuitionPayment)

	payments, err := f.engine.Payments.ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestRegister_ConcurrentDuplicatesRecordOnce(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		dups    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-02")))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				success++
			} else if errors.Is(err, billing.ErrDuplicateTuitionPayment) {
				dups++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, dups)
	payments, err := f.engine.Payments.ListByEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestRegister_ConcurrentPaymentsBothApply(t *testing.T) {
	// GIVEN: a period due 150
	f := newFixture(t)
	e := f.enroll(t, "150")

	// WHEN: two payments of 100 race
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: both are counted and the period is PAID
	periods, err := f.engine.Payments.Periods(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, periods, 1)
	assert.True(t, periods[0].AmountPaid.Equal(money("200")), periods[0].AmountPaid.String())
	assert.Equal(t, billing.PeriodPaid, periods[0].Status)
}

func TestRegister_RetriesOnConcurrentModification(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "150")
	f.mem.FailNext("CompareAndUpdatePeriod", billing.ErrConcurrentModification)
	f.mem.FailNext("CompareAndUpdatePeriod", billing.ErrConcurrentModification)

	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "150", nil))

	require.NoError(t, err)
	require.NotNil(t, res.Period)
	assert.Equal(t, billing.PeriodPaid, res.Period.Status)
}

func TestRegister_AllocationFailureKeepsPayment(t *testing.T) {
	// GIVEN: every compare-and-update attempt conflicts
	f := newFixture(t)
	e := f.enroll(t, "150")
	for i := 0; i < 5; i++ {
		f.mem.FailNext("CompareAndUpdatePeriod", billing.ErrConcurrentModification)
	}

	// WHEN: paying
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "150", nil))

	// THEN: the payment stands, unallocated
	require.NoError(t, err)
	assert.Nil(t, res.Period)
	_, err = f.engine.Payments.Get(ctx, res.Payment.ID)
	require.NoError(t, err)
	periods, err := f.engine.Payments.Periods(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, periods[0].AmountPaid.IsZero())
}

func TestRegister_WithoutPendingPeriodStillRecords(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")
	_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-01")))
	require.NoError(t, err)

	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-02")))

	require.NoError(t, err)
	assert.Nil(t, res.Period)
	assert.NotNil(t, res.Payment)
}

func TestRegister_NonTuitionSkipsAllocation(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")

	res, err := f.engine.Payments.Register(ctx, admin, billing.RegisterPaymentInput{
		EnrollmentID: e.ID,
		Amount:       money("40"),
		Method:       billing.MethodCard,
		PaymentType:  billing.PaymentUniform,
		// ignored for non-tuition payments
		TuitionMonth: month("2024-01"),
	})

	require.NoError(t, err)
	assert.Nil(t, res.Period)
	assert.Nil(t, res.Payment.TuitionMonth)
	periods, err := f.engine.Payments.Periods(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, periods[0].AmountPaid.IsZero())
	require.NotNil(t, res.Invoice)
	assert.Equal(t, "Pago de uniforme", res.Invoice.Items[0].Description)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")

	tests := []struct {
		name  string
		in    billing.RegisterPaymentInput
		field string
	}{
		{"zero amount", tuition(e.ID, "0", nil), "amount"},
		{"negative amount", tuition(e.ID, "-5", nil), "amount"},
		{"bad month", tuition(e.ID, "10", month("2024-13")), "tuition_month"},
		{"missing enrollment", tuition("", "10", nil), "enrollment_id"},
		{"bad method", billing.RegisterPaymentInput{EnrollmentID: e.ID, Amount: money("10"), Method: "BITCOIN", PaymentType: billing.PaymentTuition}, "method"},
		{"bad type", billing.RegisterPaymentInput{EnrollmentID: e.ID, Amount: money("10"), Method: billing.MethodCash, PaymentType: "GIFT"}, "payment_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Payments.Register(ctx, admin, tt.in)
			var verr *billing.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("unknown enrollment", func(t *testing.T) {
		_, err := f.engine.Payments.Register(ctx, admin, tuition("nope", "10", nil))
		assert.ErrorIs(t, err, billing.ErrEnrollmentNotFound)
	})
}

func TestRegister_InvoiceFailureIsQueued(t *testing.T) {
	// GIVEN: the invoice insert fails once
	f := newFixture(t)
	e := f.enroll(t, "100")
	f.configureSequence(t, "A", 0)
	f.mem.FailNext("InsertInvoice", errors.New("invoice table locked"))

	// WHEN: paying
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))

	// THEN: the payment succeeds without an invoice and a retry task exists
	require.NoError(t, err)
	assert.Nil(t, res.Invoice)
	tasks := f.mem.Tasks(billing.TaskEmitInvoice)
	require.Len(t, tasks, 1)

	// AND: running the task emits the invoice
	require.NoError(t, f.engine.Outbox.Run(ctx, tasks[0]))
	inv, err := f.engine.Payments.InvoiceForPayment(ctx, res.Payment.ID)
	require.NoError(t, err)
	// number 1 was consumed by the failed attempt
	assert.Equal(t, "A-user-000002", inv.InvoiceNumber)

	// AND: running it again is a no-op
	require.NoError(t, f.engine.Outbox.Run(ctx, tasks[0]))
	assert.Len(t, f.mem.Invoices(), 1)
}

func TestRegister_QueuesNotification(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")

	_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
	require.NoError(t, err)

	tasks := f.mem.Tasks(billing.TaskNotify)
	require.Len(t, tasks, 1)
	require.NoError(t, f.engine.Outbox.Run(ctx, tasks[0]))
	require.Len(t, f.published, 1)
	assert.Equal(t, admin.BranchID, f.published[0].BranchID)
	assert.Equal(t, billing.CategoryPayment, f.published[0].Category)
	assert.Contains(t, f.published[0].Message, "100.00")
}

func TestRegister_OnInactiveEnrollment(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")
	_, err := f.engine.Enrollments.Deactivate(ctx, admin, e.ID)
	require.NoError(t, err)

	_, err = f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
	assert.NoError(t, err)
}

func TestEmitInvoice_ReturnsExisting(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")
	f.configureSequence(t, "A", 0)
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
	require.NoError(t, err)

	inv, err := f.engine.Payments.EmitInvoice(ctx, admin, res.Payment.ID)

	require.NoError(t, err)
	assert.Equal(t, res.Invoice.ID, inv.ID)
	seq, err := f.engine.Sequences.Current(ctx, admin.BranchID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq.CurrentNumber)
}

func TestCorrect_UpdatesFieldsWithoutReallocating(t *testing.T) {
	f := newFixture(t)
	e := f.enroll(t, "100")
	res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
	require.NoError(t, err)

	amount := money("80")
	ref := "  TX-9 "
	updated, err := f.engine.Payments.Correct(ctx, admin, res.Payment.ID, billing.PaymentCorrection{Amount: &amount, ReferenceNumber: &ref})

	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(amount))
	assert.Equal(t, "TX-9", updated.ReferenceNumber)
	periods, err := f.engine.Payments.Periods(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, periods[0].AmountPaid.Equal(money("100")))

	zero := money("0")
	_, err = f.engine.Payments.Correct(ctx, admin, res.Payment.ID, billing.PaymentCorrection{Amount: &zero})
	assert.True(t, billing.IsValidation(err))

	_, err = f.engine.Payments.Correct(ctx, admin, "nope", billing.PaymentCorrection{})
	assert.ErrorIs(t, err, billing.ErrPaymentNotFound)
}

// =============================================================================
// INVOICE SEQUENCES
// =============================================================================

func TestSequence_ConcurrentAllocationsAreDistinctAndConsecutive(t *testing.T) {
	// GIVEN: a sequence at 10
	f := newFixture(t)
	f.configureSequence(t, "B", 10)

	// WHEN: 50 allocations race
	const n = 50
	numbers := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			num, err := f.engine.Sequences.Next(ctx, admin, admin.BranchID)
			assert.NoError(t, err)
			numbers[i] = num.Sequence
		}(i)
	}
	wg.Wait()

	// THEN: 11..60, no gaps, no repeats
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	for i, got := range numbers {
		assert.Equal(t, int64(11+i), got)
	}
}

func TestSequence_MonotonicAcrossPayments(t *testing.T) {
	f := newFixture(t)
	f.configureSequence(t, "A", 0)

	var last string
	for i := 0; i < 5; i++ {
		e := f.enroll(t, "100")
		res, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", nil))
		require.NoError(t, err)
		require.NotNil(t, res.Invoice)
		assert.Greater(t, res.Invoice.InvoiceNumber, last)
		last = res.Invoice.InvoiceNumber
	}
	assert.Equal(t, "A-user-000005", last)
}

func TestSequence_DegradedWhenMissing(t *testing.T) {
	// GIVEN: no sequence row and a captured log
	var buf bytes.Buffer
	f := newFixtureWithLog(t, zerolog.New(&buf))

	// WHEN: allocating
	num, err := f.engine.Sequences.Next(ctx, admin, admin.BranchID)

	// THEN: a timestamp number, flagged, and a warning is logged
	require.NoError(t, err)
	assert.True(t, num.Degraded)
	assert.Equal(t, fmt.Sprintf("FAC-%d", clock.UnixMilli()), num.Number)
	assert.Contains(t, buf.String(), `"event":"allocation_degraded"`)
}

func TestSequence_FallbackSeriesIsConfigurable(t *testing.T) {
	f := newFixture(t)
	f.engine.Sequences.FallbackSeries = "TMP"

	num, err := f.engine.Sequences.Next(ctx, admin, admin.BranchID)

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(num.Number, "TMP-"))
}

func TestSequence_StoreErrorIsNotDegraded(t *testing.T) {
	f := newFixture(t)
	f.configureSequence(t, "A", 0)
	f.mem.FailNext("IncrementSequence", errors.New("connection reset"))

	_, err := f.engine.Sequences.Next(ctx, admin, admin.BranchID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSequence_ConfigureCannotRegress(t *testing.T) {
	f := newFixture(t)
	f.configureSequence(t, "A", 41)

	_, err := f.engine.Sequences.Configure(ctx, admin.BranchID, "A", 40)
	assert.ErrorIs(t, err, billing.ErrSequenceRegression)

	seq, err := f.engine.Sequences.Configure(ctx, admin.BranchID, "B", 41)
	require.NoError(t, err)
	assert.Equal(t, "B", seq.Series)

	_, err = f.engine.Sequences.Configure(ctx, admin.BranchID, "", 50)
	assert.True(t, billing.IsValidation(err))
}

func TestFormatInvoiceNumber(t *testing.T) {
	assert.Equal(t, "A-user-000042", billing.FormatInvoiceNumber("A", "user-1234", 42))
	assert.Equal(t, "A-ab-1234567", billing.FormatInvoiceNumber("A", "ab", 1234567))
}

// =============================================================================
// DEBT REPORT
// =============================================================================

func TestPendingDebt_OverdueTuition(t *testing.T) {
	// GIVEN: 100/month since 2024-01-15, January paid
	f := newFixture(t)
	e := f.enroll(t, "100")
	_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, "100", month("2024-01")))
	require.NoError(t, err)

	// WHEN: the report runs as of 2024-04-01
	rows, err := f.engine.Debt.PendingDebt(ctx, admin.BranchID, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	// THEN: four months due, 300 pending, 3 months overdue
	require.NoError(t, err)
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, 4, r.EffectiveMonths)
	assert.True(t, r.TotalDue.Equal(money("400")))
	assert.True(t, r.TotalPaid.Equal(money("100")))
	assert.True(t, r.PendingAmount.Equal(money("300")))
	assert.Equal(t, int64(3), r.MonthsOverdue)
	assert.Equal(t, "Ana Ruiz", r.Student.Name)
	assert.Equal(t, "Inglés", r.Course.Name)

	totals := billing.Totals(rows)
	assert.Equal(t, 1, totals.Enrollments)
	assert.True(t, totals.PendingAmount.Equal(money("300")))
}

func TestPendingDebt_ExcludesPaidAndInactive(t *testing.T) {
	f := newFixture(t)
	paid := f.enroll(t, "100")
	_, err := f.engine.Payments.Register(ctx, admin, tuition(paid.ID, "500", nil))
	require.NoError(t, err)
	inactive := f.enroll(t, "100")
	_, err = f.engine.Enrollments.Deactivate(ctx, admin, inactive.ID)
	require.NoError(t, err)
	owing := f.enroll(t, "100")

	rows, err := f.engine.Debt.PendingDebt(ctx, admin.BranchID, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, owing.ID, rows[0].EnrollmentID)
}

func TestPendingDebt_NeverReportsNonPositive(t *testing.T) {
	asOf := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	amounts := []string{"0.01", "50", "99.99", "100", "150", "600", "1000"}
	for _, a := range amounts {
		t.Run(a, func(t *testing.T) {
			f := newFixture(t)
			e := f.enroll(t, "100")
			_, err := f.engine.Payments.Register(ctx, admin, tuition(e.ID, a, nil))
			require.NoError(t, err)

			rows, err := f.engine.Debt.PendingDebt(ctx, admin.BranchID, asOf)
			require.NoError(t, err)
			for _, r := range rows {
				assert.True(t, r.PendingAmount.IsPositive())
				assert.Positive(t, r.MonthsOverdue)
			}
		})
	}
}

func TestPendingDebt_RequiresBranch(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Debt.PendingDebt(ctx, "", clock)
	assert.True(t, billing.IsValidation(err))
}

func TestComputeDebt(t *testing.T) {
	enrolled := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	three := 3
	e := billing.Enrollment{ID: "e1", EnrollmentDate: enrolled}
	pay := func(amount string, kind billing.PaymentType) billing.Payment {
		return billing.Payment{Amount: money(amount), PaymentType: kind}
	}

	tests := []struct {
		name      string
		course    billing.Course
		payments  []billing.Payment
		asOf      time.Time
		owes      bool
		effective int
		pending   string
		overdue   int64
	}{
		{
			name:      "nothing paid",
			course:    billing.Course{MonthlyFee: money("100")},
			asOf:      time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC),
			owes:      true,
			effective: 2,
			pending:   "200",
			overdue:   2,
		},
		{
			name:      "partial month rounds overdue up",
			course:    billing.Course{MonthlyFee: money("100")},
			payments:  []billing.Payment{pay("150", billing.PaymentTuition)},
			asOf:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			owes:      true,
			effective: 3,
			pending:   "150",
			overdue:   2,
		},
		{
			name:     "non-tuition payments do not count",
			course:   billing.Course{MonthlyFee: money("100")},
			payments: []billing.Payment{pay("1000", billing.PaymentUniform)},
			asOf:     time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			owes:     true, effective: 1, pending: "100", overdue: 1,
		},
		{
			name:     "course start date wins over enrollment date",
			course:   billing.Course{MonthlyFee: money("100"), StartDate: &start},
			asOf:     time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC),
			owes:     true, effective: 2, pending: "200", overdue: 2,
		},
		{
			name:     "capped at course duration",
			course:   billing.Course{MonthlyFee: money("100"), DurationMonths: &three},
			asOf:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			owes:     true, effective: 3, pending: "300", overdue: 3,
		},
		{
			name:     "default duration is 11",
			course:   billing.Course{MonthlyFee: money("10")},
			asOf:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			owes:     true, effective: 11, pending: "110", overdue: 11,
		},
		{
			name:     "before base date counts one month",
			course:   billing.Course{MonthlyFee: money("100")},
			asOf:     time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC),
			owes:     true, effective: 1, pending: "100", overdue: 1,
		},
		{
			name:     "overpaid",
			course:   billing.Course{MonthlyFee: money("100")},
			payments: []billing.Payment{pay("250", billing.PaymentTuition)},
			asOf:     time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			owes:     false,
		},
		{
			name:   "free course",
			course: billing.Course{MonthlyFee: money("0")},
			asOf:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			owes:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, owes := billing.ComputeDebt(e, tt.course, tt.payments, tt.asOf)
			require.Equal(t, tt.owes, owes)
			if !owes {
				return
			}
			assert.Equal(t, tt.effective, row.EffectiveMonths)
			assert.True(t, row.PendingAmount.Equal(money(tt.pending)), row.PendingAmount.String())
			assert.Equal(t, tt.overdue, row.MonthsOverdue)
		})
	}
}

func TestMonthsElapsed(t *testing.T) {
	d := func(y int, m time.Month, day int) time.Time { return time.Date(y, m, day, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		base, asOf time.Time
		want       int
	}{
		{d(2024, 1, 15), d(2024, 1, 20), 1},
		{d(2024, 1, 15), d(2024, 4, 1), 4},
		{d(2024, 11, 1), d(2025, 2, 1), 4},
		{d(2024, 1, 15), d(2024, 1, 15), 1},
		{d(2024, 5, 1), d(2024, 1, 1), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, billing.MonthsElapsed(tt.base, tt.asOf), "%s -> %s", tt.base.Format("2006-01-02"), tt.asOf.Format("2006-01-02"))
	}
}

func TestParseMonth(t *testing.T) {
	m, err := billing.ParseMonth("2024-03")
	require.NoError(t, err)
	assert.Equal(t, billing.Month("2024-03"), m)

	for _, bad := range []string{"2024-3", "2024-13", "03-2024", ""} {
		_, err := billing.ParseMonth(bad)
		assert.True(t, billing.IsValidation(err), bad)
	}
}
