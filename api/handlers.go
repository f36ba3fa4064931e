/*
handlers.go - HTTP request handlers for the billing API

PURPOSE:
  Translates HTTP requests into billing engine calls and engine results into
  JSON responses. Handlers stay thin: decode, validate, call, render.

ENDPOINTS:

  Payments:
    POST  /api/payments                      Register a payment (201)
    GET   /api/payments/{id}                 Get payment
    PATCH /api/payments/{id}                 Administrative correction
    GET   /api/payments/{id}/invoice         Invoice emitted for the payment
    POST  /api/payments/{id}/invoice         (Re)emit the invoice, idempotent

  Enrollments:
    POST   /api/enrollments                  Enroll + initialize ledger (201)
    GET    /api/enrollments/{id}             Get enrollment
    DELETE /api/enrollments/{id}             Deactivate
    GET    /api/enrollments/{id}/payments    Payment history
    GET    /api/enrollments/{id}/periods     Financial periods

  Reports:
    GET /api/reports/pending-payments          Debt rows for a branch
    GET /api/reports/pending-payments/summary  Totals

  Invoices and sequences:
    GET /api/invoices/{id}
    GET /api/branches/{id}/invoice-sequence
    PUT /api/branches/{id}/invoice-sequence

  Catalog:
    GET/POST /api/courses, GET /api/courses/{id}, GET/POST /api/students

ERROR RESPONSES:
  All errors return ErrorResponse; status comes from statusFor():
    400 validation, duplicate tuition month
    401 missing or invalid actor
    404 course / student / enrollment / payment / invoice missing
    409 duplicate enrollment, sequence regression
    500 ledger initialization failure, anything unexpected

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route definitions
  - billing/: Engine
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/school-billing/billing"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	// Ping reports database health; nil means always healthy.
	Ping func(ctx context.Context) error

	log zerolog.Logger
	now func() time.Time

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the engine.
func NewHandler(engine *billing.Engine, log zerolog.Logger) *Handler {
	return &Handler{
		Engine: engine,
		log:    log.With().Str("component", "api").Logger(),
		now:    time.Now,
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

// CreatePayment registers a payment.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid payment", err)
		return
	}

	result, err := h.Engine.Payments.Register(r.Context(), actor(r), req.toInput())
	if err != nil {
		h.fail(w, "Failed to register payment", err)
		return
	}

	resp := CreatePaymentResponse{Payment: toPaymentDTO(*result.Payment)}
	if result.Invoice != nil {
		resp.InvoiceID = &result.Invoice.ID
		resp.InvoiceNumber = &result.Invoice.InvoiceNumber
		resp.InvoiceDegraded = result.InvoiceDegraded
	}
	if result.Period != nil {
		p := toPeriodDTO(*result.Period)
		resp.Period = &p
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetPayment returns a single payment.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// CorrectPayment applies an administrative edit.
func (h *Handler) CorrectPayment(w http.ResponseWriter, r *http.Request) {
	var req CorrectPaymentRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid correction", err)
		return
	}
	p, err := h.Engine.Payments.Correct(r.Context(), actor(r), chi.URLParam(r, "id"), req.toCorrection())
	if err != nil {
		h.fail(w, "Failed to correct payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(*p))
}

// GetPaymentInvoice returns the invoice emitted for a payment.
func (h *Handler) GetPaymentInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Payments.InvoiceForPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// EmitPaymentInvoice emits the invoice of a payment if it has none yet.
func (h *Handler) EmitPaymentInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Payments.EmitInvoice(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to emit invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// ListEnrollmentPayments returns the payment history of an enrollment.
func (h *Handler) ListEnrollmentPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Engine.Payments.ListByEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to list payments", err)
		return
	}
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

// CreateEnrollment enrolls a student and opens the first financial period.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req CreateEnrollmentRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid enrollment", err)
		return
	}

	e, period, err := h.Engine.Enrollments.Enroll(r.Context(), actor(r), billing.EnrollInput{
		StudentID:      req.StudentID,
		CourseID:       req.CourseID,
		EnrollmentDate: parseDatePtr(req.EnrollmentDate),
	})
	if err != nil {
		h.fail(w, "Failed to create enrollment", err)
		return
	}

	resp := CreateEnrollmentResponse{Enrollment: toEnrollmentDTO(*e)}
	if period != nil {
		p := toPeriodDTO(*period)
		resp.Period = &p
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetEnrollment returns a single enrollment.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Engine.Enrollments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(*e))
}

// DeactivateEnrollment marks an enrollment inactive. History is kept.
func (h *Handler) DeactivateEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Engine.Enrollments.Deactivate(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to deactivate enrollment", err)
		return
	}
	writeJSON(w, http.StatusOK, toEnrollmentDTO(*e))
}

// ListPeriods returns the financial periods of an enrollment.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	periods, err := h.Engine.Payments.Periods(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to list periods", err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// REPORTS
// =============================================================================

// PendingPayments returns the debt rows of a branch.
func (h *Handler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	branchID, asOf, err := h.reportParams(r)
	if err != nil {
		h.fail(w, "Invalid report parameters", err)
		return
	}
	rows, err := h.Engine.Debt.PendingDebt(r.Context(), branchID, asOf)
	if err != nil {
		h.fail(w, "Failed to compute pending payments", err)
		return
	}
	dtos := make([]DebtRowDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toDebtRowDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PendingPaymentsSummary returns the totals of the pending-payments report.
func (h *Handler) PendingPaymentsSummary(w http.ResponseWriter, r *http.Request) {
	branchID, asOf, err := h.reportParams(r)
	if err != nil {
		h.fail(w, "Invalid report parameters", err)
		return
	}
	rows, err := h.Engine.Debt.PendingDebt(r.Context(), branchID, asOf)
	if err != nil {
		h.fail(w, "Failed to compute pending payments", err)
		return
	}
	totals := billing.Totals(rows)
	writeJSON(w, http.StatusOK, DebtSummaryDTO{
		BranchID:      branchID,
		AsOf:          asOf.Format(dateLayout),
		Enrollments:   totals.Enrollments,
		PendingAmount: billing.FormatMoney(totals.PendingAmount),
	})
}

// reportParams reads branch_id (default: actor branch) and as_of (default: today).
func (h *Handler) reportParams(r *http.Request) (string, time.Time, error) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		branchID = actor(r).BranchID
	}
	asOf := h.now().UTC()
	if s := r.URL.Query().Get("as_of"); s != "" {
		t, err := time.Parse(dateLayout, s)
		if err != nil {
			return "", time.Time{}, &billing.ValidationError{Field: "as_of", Message: "must be YYYY-MM-DD"}
		}
		asOf = t
	}
	return branchID, asOf, nil
}

// =============================================================================
// INVOICES AND SEQUENCES
// =============================================================================

// GetInvoice returns an invoice with its items.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Engine.Payments.Invoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// GetInvoiceSequence returns a branch's invoice sequence.
func (h *Handler) GetInvoiceSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.Engine.Sequences.Current(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, billing.ErrSequenceNotFound) {
		writeError(w, http.StatusNotFound, "Invoice sequence not configured", err)
		return
	}
	if err != nil {
		h.fail(w, "Failed to get invoice sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, toSequenceDTO(*seq))
}

// ConfigureInvoiceSequence creates or moves forward a branch's invoice sequence.
func (h *Handler) ConfigureInvoiceSequence(w http.ResponseWriter, r *http.Request) {
	var req ConfigureSequenceRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid invoice sequence", err)
		return
	}
	seq, err := h.Engine.Sequences.Configure(r.Context(), chi.URLParam(r, "id"), req.Series, req.CurrentNumber)
	if err != nil {
		h.fail(w, "Failed to configure invoice sequence", err)
		return
	}
	writeJSON(w, http.StatusOK, toSequenceDTO(*seq))
}

// =============================================================================
// CATALOG
// =============================================================================

// ListCourses returns the courses of a branch.
func (h *Handler) ListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := h.Engine.Catalog.ListCourses(r.Context(), h.branchParam(r))
	if err != nil {
		h.fail(w, "Failed to list courses", err)
		return
	}
	dtos := make([]CourseDTO, len(courses))
	for i, c := range courses {
		dtos[i] = toCourseDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCourse creates a course.
func (h *Handler) CreateCourse(w http.ResponseWriter, r *http.Request) {
	var req CreateCourseRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid course", err)
		return
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = actor(r).BranchID
	}
	c, err := h.Engine.Catalog.CreateCourse(r.Context(), billing.Course{
		BranchID:       branchID,
		Name:           req.Name,
		MonthlyFee:     req.MonthlyFee,
		DurationMonths: req.DurationMonths,
		StartDate:      parseDatePtr(req.StartDate),
	})
	if err != nil {
		h.fail(w, "Failed to create course", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCourseDTO(*c))
}

// GetCourse returns a single course.
func (h *Handler) GetCourse(w http.ResponseWriter, r *http.Request) {
	c, err := h.Engine.Catalog.GetCourse(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, "Failed to get course", err)
		return
	}
	writeJSON(w, http.StatusOK, toCourseDTO(*c))
}

// ListStudents returns the students of a branch.
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Engine.Catalog.ListStudents(r.Context(), h.branchParam(r))
	if err != nil {
		h.fail(w, "Failed to list students", err)
		return
	}
	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = toStudentDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateStudent creates a student.
func (h *Handler) CreateStudent(w http.ResponseWriter, r *http.Request) {
	var req CreateStudentRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid student", err)
		return
	}
	branchID := req.BranchID
	if branchID == "" {
		branchID = actor(r).BranchID
	}
	s, err := h.Engine.Catalog.CreateStudent(r.Context(), billing.Student{
		BranchID:  branchID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	})
	if err != nil {
		h.fail(w, "Failed to create student", err)
		return
	}
	writeJSON(w, http.StatusCreated, toStudentDTO(*s))
}

func (h *Handler) branchParam(r *http.Request) string {
	if b := strings.TrimSpace(r.URL.Query().Get("branch_id")); b != "" {
		return b
	}
	return actor(r).BranchID
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports liveness and database connectivity.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Database: "ok"}
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// HELPERS
// =============================================================================

func actor(r *http.Request) billing.ActorContext {
	a, _ := ActorFrom(r.Context())
	return a
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var bindErr *bindError
	switch {
	case errors.As(err, &bindErr):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrLedgerInitFailed):
		return http.StatusInternalServerError
	case billing.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrDuplicateTuitionPayment):
		return http.StatusBadRequest
	case billing.IsConflict(err):
		return http.StatusConflict
	case billing.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error response for err. Client errors carry the error text
// as message; server errors use fallback and log the cause.
func (h *Handler) fail(w http.ResponseWriter, fallback string, err error) {
	status := statusFor(err)

	var bindErr *bindError
	if errors.As(err, &bindErr) {
		resp := ErrorResponse{Error: bindErr.message}
		if bindErr.fields != nil {
			resp.Details = bindErr.fields
		}
		writeJSON(w, status, resp)
		return
	}

	var verr *billing.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, ErrorResponse{Error: verr.Error(), Details: map[string]string{verr.Field: verr.Message}})
		return
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg(fallback)
		writeError(w, status, fallback, err)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
