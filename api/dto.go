/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures of the billing API and keeps the domain types
  out of the wire contract. Money is always rendered as a string with two
  decimals; request bodies accept either a JSON number or a string.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Composite response wrappers

VALIDATION:
  Request types carry go-playground/validator tags and are checked by bind()
  (validate.go). Business rules stay in the billing package.

DATES:
  Calendar dates are "2006-01-02"; timestamps are RFC3339; months "2006-01".
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/school-billing/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// PAYMENTS
// =============================================================================

type CreatePaymentRequest struct {
	EnrollmentID    string           `json:"enrollment_id" validate:"required"`
	Amount          decimal.Decimal  `json:"amount" validate:"gt=0"`
	Method          string           `json:"method" validate:"required,oneof=CASH TRANSFER CARD CHECK OTHER"`
	PaymentType     string           `json:"payment_type" validate:"required,oneof=TUITION ENROLLMENT UNIFORM MATERIALS OTHER"`
	TuitionMonth    *string          `json:"tuition_month,omitempty" validate:"omitempty,month"`
	Discount        *decimal.Decimal `json:"discount,omitempty" validate:"omitempty,gte=0"`
	ReferenceNumber string           `json:"reference_number,omitempty" validate:"max=100"`
	Description     string           `json:"description,omitempty" validate:"max=500"`
	PaymentDate     *string          `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (req CreatePaymentRequest) toInput() billing.RegisterPaymentInput {
	in := billing.RegisterPaymentInput{
		EnrollmentID:    req.EnrollmentID,
		Amount:          req.Amount,
		Method:          billing.PaymentMethod(req.Method),
		PaymentType:     billing.PaymentType(req.PaymentType),
		Discount:        req.Discount,
		ReferenceNumber: req.ReferenceNumber,
		Description:     req.Description,
		PaymentDate:     parseDatePtr(req.PaymentDate),
	}
	if req.TuitionMonth != nil {
		m := billing.Month(*req.TuitionMonth)
		in.TuitionMonth = &m
	}
	return in
}

type CorrectPaymentRequest struct {
	Amount          *decimal.Decimal `json:"amount,omitempty" validate:"omitempty,gt=0"`
	Method          *string          `json:"method,omitempty" validate:"omitempty,oneof=CASH TRANSFER CARD CHECK OTHER"`
	ReferenceNumber *string          `json:"reference_number,omitempty" validate:"omitempty,max=100"`
	Description     *string          `json:"description,omitempty" validate:"omitempty,max=500"`
	Discount        *decimal.Decimal `json:"discount,omitempty" validate:"omitempty,gte=0"`
	PaymentDate     *string          `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (req CorrectPaymentRequest) toCorrection() billing.PaymentCorrection {
	c := billing.PaymentCorrection{
		Amount:          req.Amount,
		ReferenceNumber: req.ReferenceNumber,
		Description:     req.Description,
		Discount:        req.Discount,
		PaymentDate:     parseDatePtr(req.PaymentDate),
	}
	if req.Method != nil {
		m := billing.PaymentMethod(*req.Method)
		c.Method = &m
	}
	return c
}

type PaymentDTO struct {
	ID              string  `json:"id"`
	EnrollmentID    string  `json:"enrollment_id"`
	Amount          string  `json:"amount"`
	Method          string  `json:"method"`
	PaymentType     string  `json:"payment_type"`
	TuitionMonth    *string `json:"tuition_month,omitempty"`
	Discount        string  `json:"discount"`
	ReferenceNumber string  `json:"reference_number,omitempty"`
	Description     string  `json:"description,omitempty"`
	CreatedBy       string  `json:"created_by"`
	PaymentDate     string  `json:"payment_date"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type CreatePaymentResponse struct {
	Payment         PaymentDTO `json:"payment"`
	InvoiceID       *string    `json:"invoice_id,omitempty"`
	InvoiceNumber   *string    `json:"invoice_number,omitempty"`
	InvoiceDegraded bool       `json:"invoice_degraded,omitempty"`
	Period          *PeriodDTO `json:"period,omitempty"`
}

// =============================================================================
// ENROLLMENTS AND PERIODS
// =============================================================================

type CreateEnrollmentRequest struct {
	StudentID      string  `json:"student_id" validate:"required"`
	CourseID       string  `json:"course_id" validate:"required"`
	EnrollmentDate *string `json:"enrollment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type EnrollmentDTO struct {
	ID             string `json:"id"`
	StudentID      string `json:"student_id"`
	CourseID       string `json:"course_id"`
	BranchID       string `json:"branch_id"`
	EnrollmentDate string `json:"enrollment_date"`
	IsActive       bool   `json:"is_active"`
	CreatedAt      string `json:"created_at"`
}

type CreateEnrollmentResponse struct {
	Enrollment EnrollmentDTO `json:"enrollment"`
	Period     *PeriodDTO    `json:"period,omitempty"`
}

type PeriodDTO struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	Month        string `json:"month"`
	AmountDue    string `json:"amount_due"`
	AmountPaid   string `json:"amount_paid"`
	Outstanding  string `json:"outstanding"`
	Status       string `json:"status"`
	Version      int64  `json:"version"`
}

// =============================================================================
// INVOICES
// =============================================================================

type InvoiceItemDTO struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	TotalPrice  string `json:"total_price"`
}

type InvoiceDTO struct {
	ID            string           `json:"id"`
	BranchID      string           `json:"branch_id"`
	EnrollmentID  string           `json:"enrollment_id"`
	PaymentID     string           `json:"payment_id"`
	InvoiceNumber string           `json:"invoice_number"`
	TotalAmount   string           `json:"total_amount"`
	CreatedBy     string           `json:"created_by"`
	Degraded      bool             `json:"degraded"`
	CreatedAt     string           `json:"created_at"`
	Items         []InvoiceItemDTO `json:"items"`
}

type ConfigureSequenceRequest struct {
	Series        string `json:"series" validate:"required,max=10"`
	CurrentNumber int64  `json:"current_number" validate:"gte=0"`
}

type SequenceDTO struct {
	BranchID      string `json:"branch_id"`
	Series        string `json:"series"`
	CurrentNumber int64  `json:"current_number"`
	UpdatedAt     string `json:"updated_at"`
}

// =============================================================================
// CATALOG
// =============================================================================

type CreateCourseRequest struct {
	BranchID       string          `json:"branch_id,omitempty"`
	Name           string          `json:"name" validate:"required,max=200"`
	MonthlyFee     decimal.Decimal `json:"monthly_fee" validate:"gte=0"`
	DurationMonths *int            `json:"duration_months,omitempty" validate:"omitempty,gt=0"`
	StartDate      *string         `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

type CourseDTO struct {
	ID             string  `json:"id"`
	BranchID       string  `json:"branch_id"`
	Name           string  `json:"name"`
	MonthlyFee     string  `json:"monthly_fee"`
	DurationMonths int     `json:"duration_months"`
	StartDate      *string `json:"start_date,omitempty"`
	IsActive       bool    `json:"is_active"`
}

type CreateStudentRequest struct {
	BranchID  string `json:"branch_id,omitempty"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name,omitempty" validate:"max=100"`
}

type StudentDTO struct {
	ID        string `json:"id"`
	BranchID  string `json:"branch_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsActive  bool   `json:"is_active"`
}

// =============================================================================
// REPORTS
// =============================================================================

type DebtRowDTO struct {
	EnrollmentID    string              `json:"enrollment_id"`
	Student         billing.DebtStudent `json:"student"`
	Course          billing.DebtCourse  `json:"course"`
	MonthlyFee      string              `json:"monthly_fee"`
	EffectiveMonths int                 `json:"effective_months"`
	TotalDue        string              `json:"total_due"`
	TotalPaid       string              `json:"total_paid"`
	MonthsOverdue   int64               `json:"months_overdue"`
	PendingAmount   string              `json:"pending_amount"`
}

type DebtSummaryDTO struct {
	BranchID      string `json:"branch_id"`
	AsOf          string `json:"as_of"`
	Enrollments   int    `json:"enrollments"`
	PendingAmount string `json:"pending_amount"`
}

// =============================================================================
// SCENARIOS AND MISC
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type LoadScenarioResponse struct {
	ScenarioID  string   `json:"scenario_id"`
	BranchID    string   `json:"branch_id"`
	Enrollments []string `json:"enrollments"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toPaymentDTO(p billing.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:              p.ID,
		EnrollmentID:    p.EnrollmentID,
		Amount:          billing.FormatMoney(p.Amount),
		Method:          string(p.Method),
		PaymentType:     string(p.PaymentType),
		Discount:        billing.FormatMoney(p.Discount),
		ReferenceNumber: p.ReferenceNumber,
		Description:     p.Description,
		CreatedBy:       p.CreatedBy,
		PaymentDate:     p.PaymentDate.Format(time.RFC3339),
		CreatedAt:       p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       p.UpdatedAt.Format(time.RFC3339),
	}
	if p.TuitionMonth != nil {
		m := p.TuitionMonth.String()
		dto.TuitionMonth = &m
	}
	return dto
}

func toPeriodDTO(p billing.FinancialPeriod) PeriodDTO {
	return PeriodDTO{
		ID:           p.ID,
		EnrollmentID: p.EnrollmentID,
		Month:        p.Month.String(),
		AmountDue:    billing.FormatMoney(p.AmountDue),
		AmountPaid:   billing.FormatMoney(p.AmountPaid),
		Outstanding:  billing.FormatMoney(p.Outstanding()),
		Status:       string(p.Status),
		Version:      p.Version,
	}
}

func toEnrollmentDTO(e billing.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:             e.ID,
		StudentID:      e.StudentID,
		CourseID:       e.CourseID,
		BranchID:       e.BranchID,
		EnrollmentDate: e.EnrollmentDate.Format(dateLayout),
		IsActive:       e.IsActive,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}

func toInvoiceDTO(inv billing.Invoice) InvoiceDTO {
	items := make([]InvoiceItemDTO, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = InvoiceItemDTO{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   billing.FormatMoney(it.UnitPrice),
			TotalPrice:  billing.FormatMoney(it.TotalPrice),
		}
	}
	return InvoiceDTO{
		ID:            inv.ID,
		BranchID:      inv.BranchID,
		EnrollmentID:  inv.EnrollmentID,
		PaymentID:     inv.PaymentID,
		InvoiceNumber: inv.InvoiceNumber,
		TotalAmount:   billing.FormatMoney(inv.TotalAmount),
		CreatedBy:     inv.CreatedBy,
		Degraded:      inv.Degraded,
		CreatedAt:     inv.CreatedAt.Format(time.RFC3339),
		Items:         items,
	}
}

func toSequenceDTO(s billing.InvoiceSequence) SequenceDTO {
	return SequenceDTO{
		BranchID:      s.BranchID,
		Series:        s.Series,
		CurrentNumber: s.CurrentNumber,
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
	}
}

func toCourseDTO(c billing.Course) CourseDTO {
	dto := CourseDTO{
		ID:             c.ID,
		BranchID:       c.BranchID,
		Name:           c.Name,
		MonthlyFee:     billing.FormatMoney(c.MonthlyFee),
		DurationMonths: c.Duration(),
		IsActive:       c.IsActive,
	}
	if c.StartDate != nil {
		s := c.StartDate.Format(dateLayout)
		dto.StartDate = &s
	}
	return dto
}

func toStudentDTO(s billing.Student) StudentDTO {
	return StudentDTO{
		ID:        s.ID,
		BranchID:  s.BranchID,
		FirstName: s.FirstName,
		LastName:  s.LastName,
		IsActive:  s.IsActive,
	}
}

func toDebtRowDTO(r billing.DebtRow) DebtRowDTO {
	return DebtRowDTO{
		EnrollmentID:    r.EnrollmentID,
		Student:         r.Student,
		Course:          r.Course,
		MonthlyFee:      billing.FormatMoney(r.MonthlyFee),
		EffectiveMonths: r.EffectiveMonths,
		TotalDue:        billing.FormatMoney(r.TotalDue),
		TotalPaid:       billing.FormatMoney(r.TotalPaid),
		MonthsOverdue:   r.MonthsOverdue,
		PendingAmount:   billing.FormatMoney(r.PendingAmount),
	}
}

// parseDatePtr parses a validated "2006-01-02" date.
func parseDatePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(dateLayout, *s)
	if err != nil {
		return nil
	}
	return &t
}
