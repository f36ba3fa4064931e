/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Populates a fresh branch with realistic billing data so the report, the
  ledger and invoice numbering can be explored without manual setup.

AVAILABLE SCENARIOS:
  overdue-tuition:  Course of 100/month started 2024-01-15, one month paid
                    -> pending-payments as_of 2024-04-01 shows 300 owed
  mixed-branch:     Three students across two courses, partial payments,
                    uniform and materials charges, configured sequence
  no-sequence:      Branch without an invoice sequence -> degraded numbers

HOW SCENARIOS WORK:
  1. Create a new branch ID ("demo-xxxxxxxx"); existing data is untouched
  2. Create courses and students through the Catalog
  3. Enroll through the EnrollmentLedger (first period is opened)
  4. Register payments through the PaymentProcessor

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "overdue-tuition"}

NOTE:
  Mounted only in development (Options.Scenarios).
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/school-billing/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "overdue-tuition",
		Name:        "Overdue Tuition",
		Description: "One student, 100/month since 2024-01-15, only January paid",
	},
	{
		ID:          "mixed-branch",
		Name:        "Mixed Branch",
		Description: "Three students, two courses, partial and non-tuition payments",
	},
	{
		ID:          "no-sequence",
		Name:        "No Invoice Sequence",
		Description: "Branch without a sequence row, invoices get timestamp numbers",
	},
}

type scenarioLoader func(ctx context.Context, actor billing.ActorContext) ([]string, error)

func (h *Handler) loaders() map[string]scenarioLoader {
	return map[string]scenarioLoader{
		"overdue-tuition": h.loadOverdueTuitionScenario,
		"mixed-branch":    h.loadMixedBranchScenario,
		"no-sequence":     h.loadNoSequenceScenario,
	}
}

// ListScenarios returns the available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario loads a scenario into a new branch.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := bind(r, &req); err != nil {
		h.fail(w, "Invalid scenario request", err)
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q not found", req.ScenarioID))
		return
	}

	a := actor(r)
	a.BranchID = "demo-" + uuid.NewString()[:8]

	enrollments, err := load(r.Context(), a)
	if err != nil {
		h.fail(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.log.Info().Str("scenario", req.ScenarioID).Str("branch_id", a.BranchID).Int("enrollments", len(enrollments)).Msg("scenario loaded")
	writeJSON(w, http.StatusCreated, LoadScenarioResponse{
		ScenarioID:  req.ScenarioID,
		BranchID:    a.BranchID,
		Enrollments: enrollments,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

func (h *Handler) loadOverdueTuitionScenario(ctx context.Context, a billing.ActorContext) ([]string, error) {
	if _, err := h.Engine.Sequences.Configure(ctx, a.BranchID, "A", 0); err != nil {
		return nil, err
	}
	course, err := h.createCourse(ctx, a.BranchID, "Inglés Básico", 100, 11, nil)
	if err != nil {
		return nil, err
	}
	e, err := h.enroll(ctx, a, "Ana", "Ruiz", course.ID, date(2024, 1, 15))
	if err != nil {
		return nil, err
	}
	if err := h.pay(ctx, a, e.ID, 100, billing.PaymentTuition, "2024-01"); err != nil {
		return nil, err
	}
	return []string{e.ID}, nil
}

func (h *Handler) loadMixedBranchScenario(ctx context.Context, a billing.ActorContext) ([]string, error) {
	if _, err := h.Engine.Sequences.Configure(ctx, a.BranchID, "B", 41); err != nil {
		return nil, err
	}
	start := date(2024, 2, 1)
	piano, err := h.createCourse(ctx, a.BranchID, "Piano", 150, 10, &start)
	if err != nil {
		return nil, err
	}
	robotics, err := h.createCourse(ctx, a.BranchID, "Robótica", 80, 6, nil)
	if err != nil {
		return nil, err
	}

	plans := []struct {
		first, last string
		courseID    string
		enrolled    time.Time
		payments    []plannedPayment
	}{
		{"Bruno", "Díaz", piano.ID, date(2024, 1, 20), []plannedPayment{
			{150, billing.PaymentTuition, "2024-02"},
			{75, billing.PaymentTuition, "2024-03"},
			{40, billing.PaymentUniform, ""},
		}},
		{"Carla", "Méndez", robotics.ID, date(2024, 3, 5), []plannedPayment{
			{80, billing.PaymentTuition, "2024-03"},
			{25, billing.PaymentMaterials, ""},
		}},
		{"Diego", "Soto", robotics.ID, date(2024, 3, 5), nil},
	}

	var ids []string
	for _, p := range plans {
		e, err := h.enroll(ctx, a, p.first, p.last, p.courseID, p.enrolled)
		if err != nil {
			return nil, err
		}
		for _, pay := range p.payments {
			if err := h.pay(ctx, a, e.ID, pay.amount, pay.kind, pay.month); err != nil {
				return nil, err
			}
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

func (h *Handler) loadNoSequenceScenario(ctx context.Context, a billing.ActorContext) ([]string, error) {
	course, err := h.createCourse(ctx, a.BranchID, "Ajedrez", 60, 11, nil)
	if err != nil {
		return nil, err
	}
	e, err := h.enroll(ctx, a, "Elena", "Vega", course.ID, h.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := h.pay(ctx, a, e.ID, 60, billing.PaymentTuition, billing.MonthOf(h.now().UTC()).String()); err != nil {
		return nil, err
	}
	return []string{e.ID}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type plannedPayment struct {
	amount float64
	kind   billing.PaymentType
	month  string
}

func (h *Handler) createCourse(ctx context.Context, branchID, name string, fee float64, months int, start *time.Time) (*billing.Course, error) {
	return h.Engine.Catalog.CreateCourse(ctx, billing.Course{
		BranchID:       branchID,
		Name:           name,
		MonthlyFee:     decimal.NewFromFloat(fee),
		DurationMonths: &months,
		StartDate:      start,
	})
}

func (h *Handler) enroll(ctx context.Context, a billing.ActorContext, first, last, courseID string, at time.Time) (*billing.Enrollment, error) {
	s, err := h.Engine.Catalog.CreateStudent(ctx, billing.Student{BranchID: a.BranchID, FirstName: first, LastName: last})
	if err != nil {
		return nil, err
	}
	e, _, err := h.Engine.Enrollments.Enroll(ctx, a, billing.EnrollInput{
		StudentID:      s.ID,
		CourseID:       courseID,
		EnrollmentDate: &at,
	})
	return e, err
}

func (h *Handler) pay(ctx context.Context, a billing.ActorContext, enrollmentID string, amount float64, kind billing.PaymentType, month string) error {
	in := billing.RegisterPaymentInput{
		EnrollmentID: enrollmentID,
		Amount:       decimal.NewFromFloat(amount),
		Method:       billing.MethodCash,
		PaymentType:  kind,
	}
	if month != "" {
		m := billing.Month(month)
		in.TuitionMonth = &m
	}
	_, err := h.Engine.Payments.Register(ctx, a, in)
	return err
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
