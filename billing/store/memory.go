// Package store provides an in-memory billing.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/school-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps behind one RWMutex. Each method is atomic,
// and the same uniqueness rules as the SQL schema are enforced.
type Memory struct {
	mu          sync.RWMutex
	students    map[string]billing.Student
	courses     map[string]billing.Course
	enrollments map[string]billing.Enrollment
	periods     map[string]billing.FinancialPeriod
	payments    map[string]billing.Payment
	sequences   map[string]billing.InvoiceSequence
	invoices    map[string]billing.Invoice
	tasks       map[string]billing.Task

	// failures injected by tests, keyed by method name
	failures map[string][]error
	// hooks run before a method touches state, without the lock held
	hooks map[string]func()
}

func NewMemory() *Memory {
	return &Memory{
		students:    make(map[string]billing.Student),
		courses:     make(map[string]billing.Course),
		enrollments: make(map[string]billing.Enrollment),
		periods:     make(map[string]billing.FinancialPeriod),
		payments:    make(map[string]billing.Payment),
		sequences:   make(map[string]billing.InvoiceSequence),
		invoices:    make(map[string]billing.Invoice),
		tasks:       make(map[string]billing.Task),
		failures:    make(map[string][]error),
		hooks:       make(map[string]func()),
	}
}

// FailNext makes the next call of method (e.g. "InsertPeriod") return err.
// Calling it several times queues several failures.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// OnCall registers fn to run at the start of every call of method.
func (m *Memory) OnCall(method string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[method] = fn
}

func (m *Memory) enter(method string) error {
	m.mu.Lock()
	hook := m.hooks[method]
	var err error
	if q := m.failures[method]; len(q) > 0 {
		err = q[0]
		m.failures[method] = q[1:]
	}
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

// =============================================================================
// STUDENTS / COURSES
// =============================================================================

func (m *Memory) InsertStudent(_ context.Context, s billing.Student) (*billing.Student, error) {
	if err := m.enter("InsertStudent"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
	return &s, nil
}

func (m *Memory) GetStudent(_ context.Context, id string) (*billing.Student, error) {
	if err := m.enter("GetStudent"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.students[id]
	if !ok {
		return nil, billing.ErrStudentNotFound
	}
	return &s, nil
}

func (m *Memory) ListStudents(_ context.Context, branchID string) ([]billing.Student, error) {
	if err := m.enter("ListStudents"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Student
	for _, s := range m.students {
		if s.BranchID == branchID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func (m *Memory) InsertCourse(_ context.Context, c billing.Course) (*billing.Course, error) {
	if err := m.enter("InsertCourse"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
	return &c, nil
}

func (m *Memory) GetCourse(_ context.Context, id string) (*billing.Course, error) {
	if err := m.enter("GetCourse"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, billing.ErrCourseNotFound
	}
	return &c, nil
}

func (m *Memory) ListCourses(_ context.Context, branchID string) ([]billing.Course, error) {
	if err := m.enter("ListCourses"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Course
	for _, c := range m.courses {
		if c.BranchID == branchID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (m *Memory) InsertEnrollment(_ context.Context, e billing.Enrollment) (*billing.Enrollment, error) {
	if err := m.enter("InsertEnrollment"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.enrollments {
		if existing.StudentID == e.StudentID && existing.CourseID == e.CourseID {
			return nil, billing.ErrDuplicateEnrollment
		}
	}
	m.enrollments[e.ID] = e
	return &e, nil
}

func (m *Memory) GetEnrollment(_ context.Context, id string) (*billing.Enrollment, error) {
	if err := m.enter("GetEnrollment"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, billing.ErrEnrollmentNotFound
	}
	return &e, nil
}

func (m *Memory) SetEnrollmentActive(_ context.Context, id string, active bool) (*billing.Enrollment, error) {
	if err := m.enter("SetEnrollmentActive"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, billing.ErrEnrollmentNotFound
	}
	e.IsActive = active
	m.enrollments[id] = e
	return &e, nil
}

// DeleteEnrollment removes the enrollment and cascades to its periods.
func (m *Memory) DeleteEnrollment(_ context.Context, id string) error {
	if err := m.enter("DeleteEnrollment"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.enrollments[id]; !ok {
		return billing.ErrEnrollmentNotFound
	}
	delete(m.enrollments, id)
	for pid, p := range m.periods {
		if p.EnrollmentID == id {
			delete(m.periods, pid)
		}
	}
	return nil
}

func (m *Memory) ListActiveEnrollments(_ context.Context, branchID string) ([]billing.Enrollment, error) {
	if err := m.enter("ListActiveEnrollments"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Enrollment
	for _, e := range m.enrollments {
		if e.BranchID == branchID && e.IsActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrollmentDate.Before(out[j].EnrollmentDate) })
	return out, nil
}

// =============================================================================
// FINANCIAL PERIODS
// =============================================================================

func (m *Memory) InsertPeriod(_ context.Context, p billing.FinancialPeriod) (*billing.FinancialPeriod, error) {
	if err := m.enter("InsertPeriod"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Version == 0 {
		p.Version = 1
	}
	m.periods[p.ID] = p
	return &p, nil
}

func (m *Memory) OldestPendingPeriod(_ context.Context, enrollmentID string) (*billing.FinancialPeriod, error) {
	if err := m.enter("OldestPendingPeriod"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *billing.FinancialPeriod
	for _, p := range m.periods {
		if p.EnrollmentID != enrollmentID || p.Status != billing.PeriodPending {
			continue
		}
		if oldest == nil || p.Month < oldest.Month {
			p := p
			oldest = &p
		}
	}
	return oldest, nil
}

func (m *Memory) CompareAndUpdatePeriod(_ context.Context, p billing.FinancialPeriod, expectedVersion int64) (*billing.FinancialPeriod, error) {
	if err := m.enter("CompareAndUpdatePeriod"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.periods[p.ID]
	if !ok {
		return nil, billing.ErrPeriodNotFound
	}
	if current.Status != billing.PeriodPending || current.Version != expectedVersion {
		return nil, billing.ErrConcurrentModification
	}
	current.AmountPaid = p.AmountPaid
	current.Status = p.Status
	current.UpdatedAt = p.UpdatedAt
	current.Version++
	m.periods[p.ID] = current
	return &current, nil
}

func (m *Memory) ListPeriods(_ context.Context, enrollmentID string) ([]billing.FinancialPeriod, error) {
	if err := m.enter("ListPeriods"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.FinancialPeriod
	for _, p := range m.periods {
		if p.EnrollmentID == enrollmentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

func (m *Memory) InsertPayment(_ context.Context, p billing.Payment) (*billing.Payment, error) {
	if err := m.enter("InsertPayment"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.PaymentType == billing.PaymentTuition && p.TuitionMonth != nil {
		if m.tuitionExistsLocked(p.EnrollmentID, *p.TuitionMonth) {
			return nil, billing.ErrDuplicateTuitionPayment
		}
	}
	m.payments[p.ID] = copyPayment(p)
	out := copyPayment(p)
	return &out, nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (*billing.Payment, error) {
	if err := m.enter("GetPayment"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, billing.ErrPaymentNotFound
	}
	out := copyPayment(p)
	return &out, nil
}

func (m *Memory) UpdatePayment(_ context.Context, p billing.Payment) (*billing.Payment, error) {
	if err := m.enter("UpdatePayment"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return nil, billing.ErrPaymentNotFound
	}
	m.payments[p.ID] = copyPayment(p)
	out := copyPayment(p)
	return &out, nil
}

func (m *Memory) TuitionPaymentExists(_ context.Context, enrollmentID string, month billing.Month) (bool, error) {
	if err := m.enter("TuitionPaymentExists"); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tuitionExistsLocked(enrollmentID, month), nil
}

func (m *Memory) tuitionExistsLocked(enrollmentID string, month billing.Month) bool {
	for _, p := range m.payments {
		if p.EnrollmentID == enrollmentID && p.PaymentType == billing.PaymentTuition &&
			p.TuitionMonth != nil && *p.TuitionMonth == month {
			return true
		}
	}
	return false
}

func (m *Memory) ListPayments(_ context.Context, enrollmentID string) ([]billing.Payment, error) {
	if err := m.enter("ListPayments"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Payment
	for _, p := range m.payments {
		if p.EnrollmentID == enrollmentID {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copyPayment(p billing.Payment) billing.Payment {
	if p.TuitionMonth != nil {
		m := *p.TuitionMonth
		p.TuitionMonth = &m
	}
	return p
}

// =============================================================================
// INVOICE SEQUENCES
// =============================================================================

func (m *Memory) IncrementSequence(_ context.Context, branchID string) (*billing.InvoiceSequence, error) {
	if err := m.enter("IncrementSequence"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[branchID]
	if !ok {
		return nil, billing.ErrSequenceNotFound
	}
	seq.CurrentNumber++
	seq.UpdatedAt = time.Now().UTC()
	m.sequences[branchID] = seq
	return &seq, nil
}

func (m *Memory) GetSequence(_ context.Context, branchID string) (*billing.InvoiceSequence, error) {
	if err := m.enter("GetSequence"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, ok := m.sequences[branchID]
	if !ok {
		return nil, billing.ErrSequenceNotFound
	}
	return &seq, nil
}

func (m *Memory) UpsertSequence(_ context.Context, seq billing.InvoiceSequence) (*billing.InvoiceSequence, error) {
	if err := m.enter("UpsertSequence"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.sequences[seq.BranchID]; ok && seq.CurrentNumber < current.CurrentNumber {
		return nil, billing.ErrSequenceRegression
	}
	m.sequences[seq.BranchID] = seq
	return &seq, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (m *Memory) InsertInvoice(_ context.Context, inv billing.Invoice) (*billing.Invoice, error) {
	if err := m.enter("InsertInvoice"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.invoices {
		if existing.PaymentID == inv.PaymentID {
			return nil, billing.ErrInvoiceExists
		}
	}
	m.invoices[inv.ID] = copyInvoice(inv)
	out := copyInvoice(inv)
	return &out, nil
}

func (m *Memory) GetInvoice(_ context.Context, id string) (*billing.Invoice, error) {
	if err := m.enter("GetInvoice"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, billing.ErrInvoiceNotFound
	}
	out := copyInvoice(inv)
	return &out, nil
}

func (m *Memory) InvoiceForPayment(_ context.Context, paymentID string) (*billing.Invoice, error) {
	if err := m.enter("InvoiceForPayment"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, inv := range m.invoices {
		if inv.PaymentID == paymentID {
			out := copyInvoice(inv)
			return &out, nil
		}
	}
	return nil, billing.ErrInvoiceNotFound
}

// Invoices returns all invoices, for assertions in tests.
func (m *Memory) Invoices() []billing.Invoice {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]billing.Invoice, 0, len(m.invoices))
	for _, inv := range m.invoices {
		out = append(out, copyInvoice(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceNumber < out[j].InvoiceNumber })
	return out
}

func copyInvoice(inv billing.Invoice) billing.Invoice {
	inv.Items = append([]billing.InvoiceItem(nil), inv.Items...)
	return inv
}

// =============================================================================
// TASKS
// =============================================================================

func (m *Memory) InsertTask(_ context.Context, t billing.Task) (*billing.Task, error) {
	if err := m.enter("InsertTask"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return &t, nil
}

func (m *Memory) DueTasks(_ context.Context, now time.Time, limit int) ([]billing.Task, error) {
	if err := m.enter("DueTasks"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Task
	for _, t := range m.tasks {
		if t.Status == billing.TaskPending && !t.RunAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ClaimTask(_ context.Context, id string, now time.Time) (*billing.Task, error) {
	if err := m.enter("ClaimTask"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, billing.ErrTaskNotFound
	}
	if t.Status != billing.TaskPending {
		return nil, billing.ErrConcurrentModification
	}
	t.Status = billing.TaskRunning
	t.Attempts++
	t.UpdatedAt = now
	m.tasks[id] = t
	return &t, nil
}

func (m *Memory) CompleteTask(_ context.Context, id string, now time.Time) error {
	if err := m.enter("CompleteTask"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return billing.ErrTaskNotFound
	}
	t.Status = billing.TaskDone
	t.LastError = ""
	t.UpdatedAt = now
	m.tasks[id] = t
	return nil
}

func (m *Memory) RescheduleTask(_ context.Context, id string, status billing.TaskStatus, runAt time.Time, lastErr string) error {
	if err := m.enter("RescheduleTask"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return billing.ErrTaskNotFound
	}
	t.Status = status
	t.RunAt = runAt
	t.LastError = lastErr
	t.UpdatedAt = time.Now().UTC()
	m.tasks[id] = t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*billing.Task, error) {
	if err := m.enter("GetTask"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, billing.ErrTaskNotFound
	}
	return &t, nil
}

// Tasks returns all tasks of a kind, for assertions in tests.
func (m *Memory) Tasks(kind billing.TaskKind) []billing.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Task
	for _, t := range m.tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ billing.Store = (*Memory)(nil)
