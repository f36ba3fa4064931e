/*
outbox.go - Post-commit side effects as retryable tasks

PURPOSE:
  Invoice emission and notifications happen after the payment is committed
  and must never fail the payment. They are recorded as task rows and run by
  the worker pool (see worker/pool.go), retried with backoff until they
  succeed or are dead-lettered.

TASK KINDS:
  emit_invoice: (re)emit the invoice of a payment; idempotent via unique payment_id
  notify:       publish a Notification through the configured Publisher
*/
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type TaskKind string

const (
	TaskEmitInvoice TaskKind = "emit_invoice"
	TaskNotify      TaskKind = "notify"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task is one outbox row.
type Task struct {
	ID        string
	Kind      TaskKind
	Payload   json.RawMessage
	Status    TaskStatus
	Attempts  int
	RunAt     time.Time
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmitInvoicePayload is the payload of TaskEmitInvoice.
type EmitInvoicePayload struct {
	PaymentID string `json:"payment_id"`
	UserID    string `json:"user_id"`
	BranchID  string `json:"branch_id"`
}

// TaskHandler runs a single task. A returned error schedules a retry.
type TaskHandler func(ctx context.Context, task Task) error

// Outbox enqueues tasks and dispatches them to registered handlers.
type Outbox struct {
	store    TaskStore
	log      zerolog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[TaskKind]TaskHandler
}

func NewOutbox(store TaskStore, log zerolog.Logger) *Outbox {
	return &Outbox{
		store:    store,
		log:      log.With().Str("component", "outbox").Logger(),
		now:      time.Now,
		handlers: make(map[TaskKind]TaskHandler),
	}
}

// Handle registers the handler for a task kind.
func (o *Outbox) Handle(kind TaskKind, h TaskHandler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[kind] = h
}

// Enqueue stores a task due immediately.
func (o *Outbox) Enqueue(ctx context.Context, kind TaskKind, payload any) (*Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	now := o.now().UTC()
	return o.store.InsertTask(ctx, Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   data,
		Status:    TaskPending,
		RunAt:     now,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Run executes a claimed task with its handler.
func (o *Outbox) Run(ctx context.Context, task Task) error {
	o.mu.RLock()
	h, ok := o.handlers[task.Kind]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for task kind %q", task.Kind)
	}
	return h(ctx, task)
}

// Store exposes the task store to the worker pool.
func (o *Outbox) Store() TaskStore { return o.store }

// NotifyHandler publishes TaskNotify payloads.
func NotifyHandler(p Publisher) TaskHandler {
	return func(ctx context.Context, task Task) error {
		var n Notification
		if err := json.Unmarshal(task.Payload, &n); err != nil {
			return fmt.Errorf("decode notification: %w", err)
		}
		return p.Publish(ctx, n)
	}
}
