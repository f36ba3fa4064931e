/*
debt.go - DebtAggregator: the pending-payments reconciliation report

PURPOSE:
  Recomputes outstanding tuition per active enrollment straight from the
  course terms and the raw payment history. It deliberately ignores
  FinancialPeriod rows, so it stays valid when the ledger drifts (partial
  payments, corrected payments, fee changes). The two views can disagree;
  both are kept.

ALGORITHM (per active enrollment of the branch):
  base_date        = course.start_date or enrollment.enrollment_date
  months_elapsed   = months between base_date and as_of, inclusive of the
                     current partial month; 1 when as_of <= base_date
  effective_months = min(months_elapsed, course duration (default 11))
  total_due        = effective_months * monthly_fee
  total_paid       = sum of all TUITION payment amounts
  pending_amount   = total_due - total_paid     (row kept only if > 0)
  months_overdue   = ceil(pending_amount / monthly_fee)
*/
package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const debtConcurrency = 8

type DebtStudent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type DebtCourse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DebtRow is one line of the pending-payments report.
type DebtRow struct {
	EnrollmentID    string
	Student         DebtStudent
	Course          DebtCourse
	MonthlyFee      Money
	EffectiveMonths int
	TotalDue        Money
	TotalPaid       Money
	MonthsOverdue   int64
	PendingAmount   Money
}

// DebtTotals summarizes a report.
type DebtTotals struct {
	Enrollments   int
	PendingAmount Money
}

// DebtAggregator builds the pending-payments report.
type DebtAggregator struct {
	store interface {
		StudentStore
		CourseStore
		EnrollmentStore
		PaymentStore
	}
	log zerolog.Logger
}

func NewDebtAggregator(store Store, log zerolog.Logger) *DebtAggregator {
	return &DebtAggregator{store: store, log: log.With().Str("component", "debt_aggregator").Logger()}
}

// PendingDebt returns the enrollments of branchID that owe money as of asOf.
func (d *DebtAggregator) PendingDebt(ctx context.Context, branchID string, asOf time.Time) ([]DebtRow, error) {
	if branchID == "" {
		return nil, invalid("branch_id", "is required")
	}

	enrollments, err := d.store.ListActiveEnrollments(ctx, branchID)
	if err != nil {
		return nil, err
	}
	students, err := d.store.ListStudents(ctx, branchID)
	if err != nil {
		return nil, err
	}
	courses, err := d.store.ListCourses(ctx, branchID)
	if err != nil {
		return nil, err
	}

	studentByID := make(map[string]Student, len(students))
	for _, s := range students {
		studentByID[s.ID] = s
	}
	courseByID := make(map[string]Course, len(courses))
	for _, c := range courses {
		courseByID[c.ID] = c
	}

	var (
		mu   sync.Mutex
		rows []DebtRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(debtConcurrency)

	for _, e := range enrollments {
		e := e
		g.Go(func() error {
			course, ok := courseByID[e.CourseID]
			if !ok {
				c, err := d.store.GetCourse(gctx, e.CourseID)
				if err != nil {
					return err
				}
				course = *c
			}
			payments, err := d.store.ListPayments(gctx, e.ID)
			if err != nil {
				return err
			}

			row, owes := ComputeDebt(e, course, payments, asOf)
			if !owes {
				return nil
			}

			student, ok := studentByID[e.StudentID]
			if !ok {
				s, err := d.store.GetStudent(gctx, e.StudentID)
				if err != nil {
					d.log.Warn().Err(err).Str("enrollment_id", e.ID).Msg("student lookup failed")
				} else {
					student = *s
				}
			}
			row.Student = DebtStudent{ID: e.StudentID, Name: student.FullName()}

			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Student.Name != rows[j].Student.Name {
			return rows[i].Student.Name < rows[j].Student.Name
		}
		if rows[i].Course.Name != rows[j].Course.Name {
			return rows[i].Course.Name < rows[j].Course.Name
		}
		return rows[i].EnrollmentID < rows[j].EnrollmentID
	})

	d.log.Debug().Str("branch_id", branchID).Int("enrollments", len(enrollments)).Int("owing", len(rows)).Msg("pending debt computed")
	return rows, nil
}

// ComputeDebt evaluates one enrollment. The bool is false when nothing is pending.
func ComputeDebt(e Enrollment, c Course, payments []Payment, asOf time.Time) (DebtRow, bool) {
	base := e.EnrollmentDate
	if c.StartDate != nil {
		base = *c.StartDate
	}

	effective := MonthsElapsed(base, asOf)
	if limit := c.Duration(); effective > limit {
		effective = limit
	}

	totalDue := c.MonthlyFee.Mul(decimal.NewFromInt(int64(effective)))
	totalPaid := decimal.Zero
	for _, p := range payments {
		if p.PaymentType == PaymentTuition {
			totalPaid = totalPaid.Add(p.Amount)
		}
	}

	pending := totalDue.Sub(totalPaid)
	if !pending.IsPositive() {
		return DebtRow{}, false
	}

	return DebtRow{
		EnrollmentID:    e.ID,
		Course:          DebtCourse{ID: c.ID, Name: c.Name},
		MonthlyFee:      c.MonthlyFee,
		EffectiveMonths: effective,
		TotalDue:        totalDue,
		TotalPaid:       totalPaid,
		// fee is positive here: total_due > 0 requires it
		MonthsOverdue: pending.Div(c.MonthlyFee).Ceil().IntPart(),
		PendingAmount: pending,
	}, true
}

// MonthsElapsed counts calendar months from base through asOf, including the
// current partial month. A base on or after asOf counts as one month.
func MonthsElapsed(base, asOf time.Time) int {
	if !asOf.After(base) {
		return 1
	}
	return (asOf.Year()-base.Year())*12 + int(asOf.Month()) - int(base.Month()) + 1
}

// Totals sums a report.
func Totals(rows []DebtRow) DebtTotals {
	t := DebtTotals{Enrollments: len(rows), PendingAmount: decimal.Zero}
	for _, r := range rows {
		t.PendingAmount = t.PendingAmount.Add(r.PendingAmount)
	}
	return t
}
