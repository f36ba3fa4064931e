package billing

import (
	"time"

	"github.com/rs/zerolog"
)

// Engine wires the billing components over one store.
type Engine struct {
	Catalog     *Catalog
	Sequences   *SequenceAllocator
	Enrollments *EnrollmentLedger
	Payments    *PaymentProcessor
	Debt        *DebtAggregator
	Outbox      *Outbox
}

// NewEngine builds every component and registers the outbox handlers.
func NewEngine(store Store, publisher Publisher, log zerolog.Logger) *Engine {
	outbox := NewOutbox(store, log)
	outbox.Handle(TaskNotify, NotifyHandler(publisher))
	sequences := NewSequenceAllocator(store, log)

	return &Engine{
		Catalog:     NewCatalog(store),
		Sequences:   sequences,
		Enrollments: NewEnrollmentLedger(store, log),
		Payments:    NewPaymentProcessor(store, sequences, outbox, log),
		Debt:        NewDebtAggregator(store, log),
		Outbox:      outbox,
	}
}

// SetClock replaces the time source of every component.
func (e *Engine) SetClock(now func() time.Time) {
	e.Catalog.now = now
	e.Sequences.now = now
	e.Enrollments.now = now
	e.Payments.now = now
	e.Outbox.now = now
}
