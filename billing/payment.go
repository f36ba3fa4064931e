/*
payment.go - PaymentProcessor: registration, allocation, invoice emission

REGISTRATION FLOW:
  1. Duplicate-tuition guard   (abort on conflict)
  2. Insert Payment            (authoritative write)
  3. Allocate to oldest PENDING period (TUITION only)
  4. Emit invoice              (best effort, retried through the outbox)
  5. Queue notification        (fire-and-forget)

  Steps 1-3 run under a per-enrollment lock. The store's unique index on
  (enrollment_id, tuition_month) backs the guard across processes, and the
  period update is a compare-and-update on (status, version), so two
  concurrent tuition payments cannot both apply to the same pre-update
  amount_paid.

ALLOCATION:
  Oldest-debt-first. A payment is applied to exactly one period; it is never
  split. With no PENDING period the payment is still recorded.

FAILURE POLICY:
  Anything after step 2 is logged and isolated. The Payment is never rolled
  back because an allocation, invoice or notification failed.
*/
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxAllocationAttempts = 5

// RegisterPaymentInput is a payment registration request.
type RegisterPaymentInput struct {
	EnrollmentID    string
	Amount          Money
	Method          PaymentMethod
	PaymentType     PaymentType
	TuitionMonth    *Month
	Discount        *Money
	ReferenceNumber string
	Description     string
	PaymentDate     *time.Time
}

func (in RegisterPaymentInput) validate() error {
	if strings.TrimSpace(in.EnrollmentID) == "" {
		return invalid("enrollment_id", "is required")
	}
	if !in.Amount.IsPositive() {
		return invalid("amount", "must be greater than 0")
	}
	if !in.Method.Valid() {
		return invalid("method", "unknown payment method %q", in.Method)
	}
	if !in.PaymentType.Valid() {
		return invalid("payment_type", "unknown payment type %q", in.PaymentType)
	}
	if in.Discount != nil && in.Discount.IsNegative() {
		return invalid("discount", "must be >= 0")
	}
	if in.TuitionMonth != nil && in.PaymentType == PaymentTuition {
		if _, err := ParseMonth(string(*in.TuitionMonth)); err != nil {
			return err
		}
	}
	return nil
}

// PaymentResult is what a successful registration produced.
type PaymentResult struct {
	Payment         *Payment
	Period          *FinancialPeriod // period after allocation, nil if none was touched
	Invoice         *Invoice         // nil if emission failed and was queued for retry
	InvoiceDegraded bool
}

// PaymentCorrection is an administrative edit. Nil fields are left unchanged.
type PaymentCorrection struct {
	Amount          *Money
	Method          *PaymentMethod
	ReferenceNumber *string
	Description     *string
	Discount        *Money
	PaymentDate     *time.Time
}

// PaymentProcessor records payments and keeps the financial ledger in step.
type PaymentProcessor struct {
	store     Store
	sequences *SequenceAllocator
	outbox    *Outbox
	locks     *keyedMutex
	log       zerolog.Logger
	now       func() time.Time
}

func NewPaymentProcessor(store Store, sequences *SequenceAllocator, outbox *Outbox, log zerolog.Logger) *PaymentProcessor {
	p := &PaymentProcessor{
		store:     store,
		sequences: sequences,
		outbox:    outbox,
		locks:     newKeyedMutex(),
		log:       log.With().Str("component", "payment_processor").Logger(),
		now:       time.Now,
	}
	outbox.Handle(TaskEmitInvoice, p.handleEmitInvoice)
	return p
}

// Register validates and records a payment, allocates tuition to the ledger
// and emits the invoice.
func (p *PaymentProcessor) Register(ctx context.Context, actor ActorContext, in RegisterPaymentInput) (*PaymentResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	enrollment, err := p.store.GetEnrollment(ctx, in.EnrollmentID)
	if err != nil {
		return nil, err
	}

	unlock := p.locks.Lock(enrollment.ID)
	payment, period, err := p.record(ctx, actor, *enrollment, in)
	unlock()
	if err != nil {
		return nil, err
	}

	logger := p.log.With().
		Str("payment_id", payment.ID).
		Str("enrollment_id", enrollment.ID).
		Str("branch_id", enrollment.BranchID).
		Logger()
	logger.Info().Str("amount", FormatMoney(payment.Amount)).Str("type", string(payment.PaymentType)).Msg("payment registered")

	result := &PaymentResult{Payment: payment, Period: period}

	invoice, err := p.emitInvoice(ctx, actor, *enrollment, *payment)
	if err != nil {
		logger.Error().Err(err).Str("event", "downstream_failure").Msg("invoice emission failed, queued for retry")
		p.enqueue(ctx, logger, TaskEmitInvoice, EmitInvoicePayload{
			PaymentID: payment.ID,
			UserID:    actor.UserID,
			BranchID:  actor.BranchID,
		})
	} else {
		result.Invoice = invoice
		result.InvoiceDegraded = invoice.Degraded
	}

	p.enqueue(ctx, logger, TaskNotify, Notification{
		BranchID: enrollment.BranchID,
		Title:    "Nuevo pago registrado",
		Message:  fmt.Sprintf("%s por %s (inscripción %s)", payment.PaymentType.Label(), FormatMoney(payment.Amount), enrollment.ID),
		Category: CategoryPayment,
	})

	return result, nil
}

// record runs the guarded steps: duplicate check, insert, allocation.
// The caller holds the enrollment lock.
func (p *PaymentProcessor) record(ctx context.Context, actor ActorContext, e Enrollment, in RegisterPaymentInput) (*Payment, *FinancialPeriod, error) {
	var month *Month
	if in.PaymentType == PaymentTuition && in.TuitionMonth != nil {
		m := *in.TuitionMonth
		month = &m
		exists, err := p.store.TuitionPaymentExists(ctx, e.ID, m)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return nil, nil, &DuplicateTuitionPaymentError{EnrollmentID: e.ID, Month: m}
		}
	}

	now := p.now().UTC()
	paidAt := now
	if in.PaymentDate != nil {
		paidAt = in.PaymentDate.UTC()
	}
	discount := decimal.Zero
	if in.Discount != nil {
		discount = *in.Discount
	}

	payment, err := p.store.InsertPayment(ctx, Payment{
		ID:              uuid.NewString(),
		EnrollmentID:    e.ID,
		Amount:          in.Amount,
		Method:          in.Method,
		ReferenceNumber: strings.TrimSpace(in.ReferenceNumber),
		Description:     strings.TrimSpace(in.Description),
		TuitionMonth:    month,
		PaymentType:     in.PaymentType,
		Discount:        discount,
		CreatedBy:       actor.UserID,
		PaymentDate:     paidAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if errors.Is(err, ErrDuplicateTuitionPayment) && month != nil {
		return nil, nil, &DuplicateTuitionPaymentError{EnrollmentID: e.ID, Month: *month}
	}
	if err != nil {
		return nil, nil, err
	}

	if payment.PaymentType != PaymentTuition {
		return payment, nil, nil
	}

	period, err := p.allocate(ctx, *payment)
	if err != nil {
		p.log.Error().Err(err).
			Str("event", "downstream_failure").
			Str("payment_id", payment.ID).
			Str("enrollment_id", e.ID).
			Msg("ledger allocation failed, payment stands")
		return payment, nil, nil
	}
	return payment, period, nil
}

// allocate applies the payment to the oldest PENDING period.
func (p *PaymentProcessor) allocate(ctx context.Context, payment Payment) (*FinancialPeriod, error) {
	for attempt := 0; attempt < maxAllocationAttempts; attempt++ {
		current, err := p.store.OldestPendingPeriod(ctx, payment.EnrollmentID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			p.log.Debug().Str("payment_id", payment.ID).Msg("no pending period, nothing to allocate")
			return nil, nil
		}

		next := *current
		next.AmountPaid = current.AmountPaid.Add(payment.Amount)
		next.Status = PeriodPending
		if next.AmountPaid.GreaterThanOrEqual(next.AmountDue) {
			next.Status = PeriodPaid
		}
		next.UpdatedAt = p.now().UTC()

		updated, err := p.store.CompareAndUpdatePeriod(ctx, next, current.Version)
		if errors.Is(err, ErrConcurrentModification) {
			continue
		}
		return updated, err
	}
	return nil, fmt.Errorf("allocate payment %s: %w", payment.ID, ErrConcurrentModification)
}

// EmitInvoice emits the invoice of an already recorded payment. Returns the
// existing invoice when one was emitted before.
func (p *PaymentProcessor) EmitInvoice(ctx context.Context, actor ActorContext, paymentID string) (*Invoice, error) {
	payment, err := p.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	enrollment, err := p.store.GetEnrollment(ctx, payment.EnrollmentID)
	if err != nil {
		return nil, err
	}
	return p.emitInvoice(ctx, actor, *enrollment, *payment)
}

func (p *PaymentProcessor) emitInvoice(ctx context.Context, actor ActorContext, e Enrollment, payment Payment) (*Invoice, error) {
	existing, err := p.store.InvoiceForPayment(ctx, payment.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrInvoiceNotFound) {
		return nil, err
	}

	number, err := p.sequences.Next(ctx, actor, e.BranchID)
	if err != nil {
		return nil, err
	}

	invoiceID := uuid.NewString()
	inv, err := p.store.InsertInvoice(ctx, Invoice{
		ID:            invoiceID,
		BranchID:      e.BranchID,
		EnrollmentID:  e.ID,
		PaymentID:     payment.ID,
		InvoiceNumber: number.Number,
		TotalAmount:   payment.Amount,
		CreatedBy:     actor.UserID,
		Degraded:      number.Degraded,
		CreatedAt:     p.now().UTC(),
		Items: []InvoiceItem{{
			ID:          uuid.NewString(),
			InvoiceID:   invoiceID,
			Description: invoiceItemLabel(payment),
			Quantity:    1,
			UnitPrice:   payment.Amount,
			TotalPrice:  payment.Amount,
		}},
	})
	if errors.Is(err, ErrInvoiceExists) {
		return p.store.InvoiceForPayment(ctx, payment.ID)
	}
	return inv, err
}

func invoiceItemLabel(payment Payment) string {
	label := payment.PaymentType.Label()
	if payment.PaymentType == PaymentTuition && payment.TuitionMonth != nil {
		label += " " + payment.TuitionMonth.String()
	}
	return label
}

func (p *PaymentProcessor) handleEmitInvoice(ctx context.Context, task Task) error {
	var payload EmitInvoicePayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode emit_invoice payload: %w", err)
	}
	actor := ActorContext{UserID: payload.UserID, BranchID: payload.BranchID}
	inv, err := p.EmitInvoice(ctx, actor, payload.PaymentID)
	if err != nil {
		return err
	}
	p.log.Info().Str("payment_id", payload.PaymentID).Str("invoice_number", inv.InvoiceNumber).Msg("invoice emitted on retry")
	return nil
}

func (p *PaymentProcessor) enqueue(ctx context.Context, logger zerolog.Logger, kind TaskKind, payload any) {
	if _, err := p.outbox.Enqueue(ctx, kind, payload); err != nil {
		logger.Error().Err(err).Str("event", "downstream_failure").Str("task", string(kind)).Msg("failed to enqueue task")
	}
}

// Correct applies an administrative edit to a payment. Ledger allocation is
// not re-run; the reconciliation report reflects the new amount.
func (p *PaymentProcessor) Correct(ctx context.Context, actor ActorContext, paymentID string, c PaymentCorrection) (*Payment, error) {
	payment, err := p.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	if c.Amount != nil {
		if !c.Amount.IsPositive() {
			return nil, invalid("amount", "must be greater than 0")
		}
		payment.Amount = *c.Amount
	}
	if c.Method != nil {
		if !c.Method.Valid() {
			return nil, invalid("method", "unknown payment method %q", *c.Method)
		}
		payment.Method = *c.Method
	}
	if c.Discount != nil {
		if c.Discount.IsNegative() {
			return nil, invalid("discount", "must be >= 0")
		}
		payment.Discount = *c.Discount
	}
	if c.ReferenceNumber != nil {
		payment.ReferenceNumber = strings.TrimSpace(*c.ReferenceNumber)
	}
	if c.Description != nil {
		payment.Description = strings.TrimSpace(*c.Description)
	}
	if c.PaymentDate != nil {
		payment.PaymentDate = c.PaymentDate.UTC()
	}
	payment.UpdatedAt = p.now().UTC()

	updated, err := p.store.UpdatePayment(ctx, *payment)
	if err != nil {
		return nil, err
	}
	p.log.Info().Str("payment_id", paymentID).Str("actor", actor.UserID).Msg("payment corrected, allocation unchanged")
	return updated, nil
}

// Get returns a payment by ID.
func (p *PaymentProcessor) Get(ctx context.Context, id string) (*Payment, error) {
	return p.store.GetPayment(ctx, id)
}

// ListByEnrollment returns the payments of an enrollment, oldest first.
func (p *PaymentProcessor) ListByEnrollment(ctx context.Context, enrollmentID string) ([]Payment, error) {
	if _, err := p.store.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return p.store.ListPayments(ctx, enrollmentID)
}

// Periods returns the financial periods of an enrollment, by month.
func (p *PaymentProcessor) Periods(ctx context.Context, enrollmentID string) ([]FinancialPeriod, error) {
	if _, err := p.store.GetEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	return p.store.ListPeriods(ctx, enrollmentID)
}

// Invoice returns an invoice with its items.
func (p *PaymentProcessor) Invoice(ctx context.Context, id string) (*Invoice, error) {
	return p.store.GetInvoice(ctx, id)
}

// InvoiceForPayment returns the invoice emitted for a payment.
func (p *PaymentProcessor) InvoiceForPayment(ctx context.Context, paymentID string) (*Invoice, error) {
	return p.store.InvoiceForPayment(ctx, paymentID)
}
