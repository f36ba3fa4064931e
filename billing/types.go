/*
Package billing provides the financial-ledger engine of the school back office.

PURPOSE:
  Everything that touches money lives here: enrollment-triggered ledger
  initialization, tuition payment registration, payment-to-debt allocation,
  per-branch invoice numbering and the pending-debt reconciliation report.
  CRUD for students and courses is passthrough; the engine only reads them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal amount (never float)
  - Month: a billing month, "YYYY-MM"
  - FinancialPeriod: one month's obligation for an enrollment
  - Payment: an immutable record of money received
  - Invoice / InvoiceSequence: the paper trail minted after each payment

STORE MODEL:
  The backing store offers atomic single-row operations only. There are no
  multi-statement transactions, so every multi-step flow in this package is
  non-atomic by default and is made safe with single-statement primitives
  (atomic increment, compare-and-update, unique indexes) plus per-key locks.

SEE ALSO:
  - store.go: RecordStore contracts
  - payment.go: PaymentProcessor
  - debt.go: DebtAggregator
*/
package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Money is a non-negative decimal amount in the branch currency.
type Money = decimal.Decimal

// FormatMoney renders an amount with two decimals for display.
func FormatMoney(m Money) string { return m.StringFixed(2) }

// =============================================================================
// MONTH
// =============================================================================

// Month identifies a billing month as "YYYY-MM".
type Month string

const monthLayout = "2006-01"

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month { return Month(t.Format(monthLayout)) }

// ParseMonth validates a "YYYY-MM" string.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse(monthLayout, s)
	if err != nil {
		return "", &ValidationError{Field: "tuition_month", Message: fmt.Sprintf("invalid month %q (use YYYY-MM)", s)}
	}
	return MonthOf(t), nil
}

func (m Month) String() string { return string(m) }

// =============================================================================
// ACTOR
// =============================================================================

// ActorContext identifies who performs an operation and on behalf of which
// branch. It is passed explicitly into every core operation.
type ActorContext struct {
	UserID   string
	BranchID string
	Role     string
}

// =============================================================================
// RECORDS
// =============================================================================

// DefaultCourseDuration applies when a course has no duration configured.
const DefaultCourseDuration = 11

type Student struct {
	ID        string
	BranchID  string
	FirstName string
	LastName  string
	IsActive  bool
	CreatedAt time.Time
}

func (s Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

type Course struct {
	ID             string
	BranchID       string
	Name           string
	MonthlyFee     Money
	DurationMonths *int
	StartDate      *time.Time
	IsActive       bool
	CreatedAt      time.Time
}

// Duration returns the billable length of the course in months.
func (c Course) Duration() int {
	if c.DurationMonths == nil || *c.DurationMonths <= 0 {
		return DefaultCourseDuration
	}
	return *c.DurationMonths
}

// Enrollment links one student to one course. At most one per (student, course).
type Enrollment struct {
	ID             string
	StudentID      string
	CourseID       string
	BranchID       string
	EnrollmentDate time.Time
	IsActive       bool
	CreatedAt      time.Time
}

type PeriodStatus string

const (
	PeriodPending PeriodStatus = "PENDING"
	PeriodPaid    PeriodStatus = "PAID"
)

// FinancialPeriod is one month's billing obligation for an enrollment.
// Status is PAID iff AmountPaid >= AmountDue at the last write.
// Version is bumped on every update and guards compare-and-update.
type FinancialPeriod struct {
	ID           string
	EnrollmentID string
	Month        Month
	AmountDue    Money
	AmountPaid   Money
	Status       PeriodStatus
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Outstanding returns what is still owed on the period (never negative).
func (p FinancialPeriod) Outstanding() Money {
	rest := p.AmountDue.Sub(p.AmountPaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

type PaymentType string

const (
	PaymentTuition    PaymentType = "TUITION"
	PaymentEnrollment PaymentType = "ENROLLMENT"
	PaymentUniform    PaymentType = "UNIFORM"
	PaymentMaterials  PaymentType = "MATERIALS"
	PaymentOther      PaymentType = "OTHER"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTuition, PaymentEnrollment, PaymentUniform, PaymentMaterials, PaymentOther:
		return true
	}
	return false
}

// Label is the invoice line description printed for a payment of this type.
func (t PaymentType) Label() string {
	switch t {
	case PaymentTuition:
		return "Pago de mensualidad"
	case PaymentEnrollment:
		return "Pago de matrícula"
	case PaymentUniform:
		return "Pago de uniforme"
	case PaymentMaterials:
		return "Pago de materiales"
	default:
		return "Otros pagos"
	}
}

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "CASH"
	MethodTransfer PaymentMethod = "TRANSFER"
	MethodCard     PaymentMethod = "CARD"
	MethodCheck    PaymentMethod = "CHECK"
	MethodOther    PaymentMethod = "OTHER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodCard, MethodCheck, MethodOther:
		return true
	}
	return false
}

// Payment records money received for an enrollment.
// TuitionMonth is set only for TUITION payments.
// Discount is informational; Amount is what allocation uses.
type Payment struct {
	ID              string
	EnrollmentID    string
	Amount          Money
	Method          PaymentMethod
	ReferenceNumber string
	Description     string
	TuitionMonth    *Month
	PaymentType     PaymentType
	Discount        Money
	CreatedBy       string
	PaymentDate     time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// InvoiceSequence is the per-branch counter behind invoice numbers.
type InvoiceSequence struct {
	BranchID      string
	Series        string
	CurrentNumber int64
	UpdatedAt     time.Time
}

type Invoice struct {
	ID            string
	BranchID      string
	EnrollmentID  string
	PaymentID     string
	InvoiceNumber string
	TotalAmount   Money
	CreatedBy     string
	Degraded      bool // number came from the timestamp fallback
	CreatedAt     time.Time
	Items         []InvoiceItem
}

type InvoiceItem struct {
	ID          string
	InvoiceID   string
	Description string
	Quantity    int
	UnitPrice   Money
	TotalPrice  Money
}
