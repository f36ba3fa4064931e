/*
Package sqlstore provides the SQL-backed implementation of billing.Store.

PURPOSE:
  Implements every RecordStore contract over sqlx. The same queries run on
  SQLite (mattn/go-sqlite3, default for dev and tests) and PostgreSQL
  (lib/pq); placeholders are written as "?" and rebound per driver.

NO CROSS-ROW TRANSACTIONS:
  Methods map 1:1 to single statements. The only internal transaction is
  InsertInvoice (invoice header + its items), which is still one logical row.

INVARIANTS ENFORCED BY THE SCHEMA:
  - idx_enrollments_student_course:  one enrollment per (student, course)
  - idx_payments_tuition_month:      one TUITION payment per (enrollment, month)
  - invoices.payment_id UNIQUE:      one invoice per payment
  - financial_periods.version:       compare-and-update guard
  - invoice_sequences:               increment-and-return in one UPDATE

VALUE ENCODING:
  Money is stored as TEXT (decimal string), timestamps as fixed-width
  RFC3339 TEXT in UTC.

USAGE:
  store, err := sqlstore.Open("sqlite3", "./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/school-billing/billing"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Store implements billing.Store on a SQL database.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database and migrates the schema.
// For sqlite3, dsn is a file path or ":memory:".
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps a ":memory:" database on a single connection
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// New opens a SQLite store at dbPath.
func New(dbPath string) (*Store, error) { return Open(DriverSQLite, dbPath) }

func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) q(query string) string { return s.db.Rebind(query) }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_students_branch ON students(branch_id);

	CREATE TABLE IF NOT EXISTS courses (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		name TEXT NOT NULL,
		monthly_fee TEXT NOT NULL,
		duration_months INTEGER,
		start_date TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_courses_branch ON courses(branch_id);

	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students(id),
		course_id TEXT NOT NULL REFERENCES courses(id),
		branch_id TEXT NOT NULL,
		enrollment_date TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_student_course
		ON enrollments(student_id, course_id);
	CREATE INDEX IF NOT EXISTS idx_enrollments_branch_active
		ON enrollments(branch_id, is_active);

	CREATE TABLE IF NOT EXISTS financial_periods (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id) ON DELETE CASCADE,
		month TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_periods_enrollment_status_month
		ON financial_periods(enrollment_id, status, month);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL REFERENCES enrollments(id),
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		reference_number TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		tuition_month TEXT,
		payment_type TEXT NOT NULL,
		discount TEXT NOT NULL,
		created_by TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_enrollment ON payments(enrollment_id);

	-- at most one TUITION payment per enrollment and month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_tuition_month
		ON payments(enrollment_id, tuition_month)
		WHERE payment_type = 'TUITION';

	CREATE TABLE IF NOT EXISTS invoice_sequences (
		branch_id TEXT PRIMARY KEY,
		series TEXT NOT NULL,
		current_number BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		branch_id TEXT NOT NULL,
		enrollment_id TEXT NOT NULL,
		payment_id TEXT NOT NULL UNIQUE,
		invoice_number TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		created_by TEXT NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoices_branch_number ON invoices(branch_id, invoice_number);

	CREATE TABLE IF NOT EXISTS invoice_items (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		description TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		total_price TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invoice_items_invoice ON invoice_items(invoice_id);

	CREATE TABLE IF NOT EXISTS billing_tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		run_at TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_billing_tasks_due ON billing_tasks(status, run_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// STUDENTS
// =============================================================================

type studentRow struct {
	ID        string `db:"id"`
	BranchID  string `db:"branch_id"`
	FirstName string `db:"first_name"`
	LastName  string `db:"last_name"`
	IsActive  bool   `db:"is_active"`
	CreatedAt string `db:"created_at"`
}

func (r studentRow) toDomain() billing.Student {
	return billing.Student{
		ID:        r.ID,
		BranchID:  r.BranchID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		IsActive:  r.IsActive,
		CreatedAt: parseTime(r.CreatedAt),
	}
}

const studentColumns = `id, branch_id, first_name, last_name, is_active, created_at`

func (s *Store) InsertStudent(ctx context.Context, st billing.Student) (*billing.Student, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO students (`+studentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
		st.ID, st.BranchID, st.FirstName, st.LastName, st.IsActive, formatTime(st.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert student: %w", err)
	}
	return &st, nil
}

func (s *Store) GetStudent(ctx context.Context, id string) (*billing.Student, error) {
	var r studentRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+studentColumns+` FROM students WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrStudentNotFound
	}
	if err != nil {
		return nil, err
	}
	st := r.toDomain()
	return &st, nil
}

func (s *Store) ListStudents(ctx context.Context, branchID string) ([]billing.Student, error) {
	var rows []studentRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+studentColumns+` FROM students WHERE branch_id = ? ORDER BY first_name, last_name`), branchID)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Student, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// COURSES
// =============================================================================

type courseRow struct {
	ID             string          `db:"id"`
	BranchID       string          `db:"branch_id"`
	Name           string          `db:"name"`
	MonthlyFee     decimal.Decimal `db:"monthly_fee"`
	DurationMonths sql.NullInt64   `db:"duration_months"`
	StartDate      sql.NullString  `db:"start_date"`
	IsActive       bool            `db:"is_active"`
	CreatedAt      string          `db:"created_at"`
}

func (r courseRow) toDomain() billing.Course {
	c := billing.Course{
		ID:         r.ID,
		BranchID:   r.BranchID,
		Name:       r.Name,
		MonthlyFee: r.MonthlyFee,
		IsActive:   r.IsActive,
		CreatedAt:  parseTime(r.CreatedAt),
	}
	if r.DurationMonths.Valid {
		d := int(r.DurationMonths.Int64)
		c.DurationMonths = &d
	}
	if r.StartDate.Valid {
		t := parseTime(r.StartDate.String)
		c.StartDate = &t
	}
	return c
}

const courseColumns = `id, branch_id, name, monthly_fee, duration_months, start_date, is_active, created_at`

func (s *Store) InsertCourse(ctx context.Context, c billing.Course) (*billing.Course, error) {
	var duration sql.NullInt64
	if c.DurationMonths != nil {
		duration = sql.NullInt64{Int64: int64(*c.DurationMonths), Valid: true}
	}
	var start sql.NullString
	if c.StartDate != nil {
		start = sql.NullString{String: formatTime(*c.StartDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO courses (`+courseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.BranchID, c.Name, c.MonthlyFee.String(), duration, start, c.IsActive, formatTime(c.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert course: %w", err)
	}
	return &c, nil
}

func (s *Store) GetCourse(ctx context.Context, id string) (*billing.Course, error) {
	var r courseRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+courseColumns+` FROM courses WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrCourseNotFound
	}
	if err != nil {
		return nil, err
	}
	c := r.toDomain()
	return &c, nil
}

func (s *Store) ListCourses(ctx context.Context, branchID string) ([]billing.Course, error) {
	var rows []courseRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+courseColumns+` FROM courses WHERE branch_id = ? ORDER BY name`), branchID)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Course, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

type enrollmentRow struct {
	ID             string `db:"id"`
	StudentID      string `db:"student_id"`
	CourseID       string `db:"course_id"`
	BranchID       string `db:"branch_id"`
	EnrollmentDate string `db:"enrollment_date"`
	IsActive       bool   `db:"is_active"`
	CreatedAt      string `db:"created_at"`
}

func (r enrollmentRow) toDomain() billing.Enrollment {
	return billing.Enrollment{
		ID:             r.ID,
		StudentID:      r.StudentID,
		CourseID:       r.CourseID,
		BranchID:       r.BranchID,
		EnrollmentDate: parseTime(r.EnrollmentDate),
		IsActive:       r.IsActive,
		CreatedAt:      parseTime(r.CreatedAt),
	}
}

const enrollmentColumns = `id, student_id, course_id, branch_id, enrollment_date, is_active, created_at`

func (s *Store) InsertEnrollment(ctx context.Context, e billing.Enrollment) (*billing.Enrollment, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO enrollments (`+enrollmentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.StudentID, e.CourseID, e.BranchID, formatTime(e.EnrollmentDate), e.IsActive, formatTime(e.CreatedAt),
	)
	if isUniqueViolation(err) {
		return nil, billing.ErrDuplicateEnrollment
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert enrollment: %w", err)
	}
	return &e, nil
}

func (s *Store) GetEnrollment(ctx context.Context, id string) (*billing.Enrollment, error) {
	var r enrollmentRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	e := r.toDomain()
	return &e, nil
}

func (s *Store) SetEnrollmentActive(ctx context.Context, id string, active bool) (*billing.Enrollment, error) {
	var r enrollmentRow
	err := s.db.QueryRowxContext(ctx, s.q(`
		UPDATE enrollments SET is_active = ? WHERE id = ?
		RETURNING `+enrollmentColumns), active, id).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrEnrollmentNotFound
	}
	if err != nil {
		return nil, err
	}
	e := r.toDomain()
	return &e, nil
}

func (s *Store) DeleteEnrollment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM enrollments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return billing.ErrEnrollmentNotFound
	}
	return nil
}

func (s *Store) ListActiveEnrollments(ctx context.Context, branchID string) ([]billing.Enrollment, error) {
	var rows []enrollmentRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+enrollmentColumns+` FROM enrollments
		WHERE branch_id = ? AND is_active = ?
		ORDER BY enrollment_date`), branchID, true)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Enrollment, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// FINANCIAL PERIODS
// =============================================================================

type periodRow struct {
	ID           string          `db:"id"`
	EnrollmentID string          `db:"enrollment_id"`
	Month        string          `db:"month"`
	AmountDue    decimal.Decimal `db:"amount_due"`
	AmountPaid   decimal.Decimal `db:"amount_paid"`
	Status       string          `db:"status"`
	Version      int64           `db:"version"`
	CreatedAt    string          `db:"created_at"`
	UpdatedAt    string          `db:"updated_at"`
}

func (r periodRow) toDomain() billing.FinancialPeriod {
	return billing.FinancialPeriod{
		ID:           r.ID,
		EnrollmentID: r.EnrollmentID,
		Month:        billing.Month(r.Month),
		AmountDue:    r.AmountDue,
		AmountPaid:   r.AmountPaid,
		Status:       billing.PeriodStatus(r.Status),
		Version:      r.Version,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
}

const periodColumns = `id, enrollment_id, month, amount_due, amount_paid, status, version, created_at, updated_at`

func (s *Store) InsertPeriod(ctx context.Context, p billing.FinancialPeriod) (*billing.FinancialPeriod, error) {
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO financial_periods (`+periodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.EnrollmentID, string(p.Month), p.AmountDue.String(), p.AmountPaid.String(),
		string(p.Status), p.Version, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert financial period: %w", err)
	}
	return &p, nil
}

func (s *Store) OldestPendingPeriod(ctx context.Context, enrollmentID string) (*billing.FinancialPeriod, error) {
	var r periodRow
	err := s.db.GetContext(ctx, &r, s.q(`
		SELECT `+periodColumns+` FROM financial_periods
		WHERE enrollment_id = ? AND status = ?
		ORDER BY month ASC
		LIMIT 1`), enrollmentID, string(billing.PeriodPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p := r.toDomain()
	return &p, nil
}

func (s *Store) CompareAndUpdatePeriod(ctx context.Context, p billing.FinancialPeriod, expectedVersion int64) (*billing.FinancialPeriod, error) {
	var r periodRow
	err := s.db.QueryRowxContext(ctx, s.q(`
		UPDATE financial_periods
		SET amount_paid = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND status = ? AND version = ?
		RETURNING `+periodColumns),
		p.AmountPaid.String(), string(p.Status), formatTime(p.UpdatedAt),
		p.ID, string(billing.PeriodPending), expectedVersion,
	).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		if err := s.db.GetContext(ctx, &exists, s.q(`SELECT COUNT(*) FROM financial_periods WHERE id = ?`), p.ID); err != nil {
			return nil, err
		}
		if exists == 0 {
			return nil, billing.ErrPeriodNotFound
		}
		return nil, billing.ErrConcurrentModification
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update financial period: %w", err)
	}
	out := r.toDomain()
	return &out, nil
}

func (s *Store) ListPeriods(ctx context.Context, enrollmentID string) ([]billing.FinancialPeriod, error) {
	var rows []periodRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+periodColumns+` FROM financial_periods WHERE enrollment_id = ? ORDER BY month`), enrollmentID)
	if err != nil {
		return nil, err
	}
	out := make([]billing.FinancialPeriod, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type paymentRow struct {
	ID              string          `db:"id"`
	EnrollmentID    string          `db:"enrollment_id"`
	Amount          decimal.Decimal `db:"amount"`
	Method          string          `db:"method"`
	ReferenceNumber string          `db:"reference_number"`
	Description     string          `db:"description"`
	TuitionMonth    sql.NullString  `db:"tuition_month"`
	PaymentType     string          `db:"payment_type"`
	Discount        decimal.Decimal `db:"discount"`
	CreatedBy       string          `db:"created_by"`
	PaymentDate     string          `db:"payment_date"`
	CreatedAt       string          `db:"created_at"`
	UpdatedAt       string          `db:"updated_at"`
}

func (r paymentRow) toDomain() billing.Payment {
	p := billing.Payment{
		ID:              r.ID,
		EnrollmentID:    r.EnrollmentID,
		Amount:          r.Amount,
		Method:          billing.PaymentMethod(r.Method),
		ReferenceNumber: r.ReferenceNumber,
		Description:     r.Description,
		PaymentType:     billing.PaymentType(r.PaymentType),
		Discount:        r.Discount,
		CreatedBy:       r.CreatedBy,
		PaymentDate:     parseTime(r.PaymentDate),
		CreatedAt:       parseTime(r.CreatedAt),
		UpdatedAt:       parseTime(r.UpdatedAt),
	}
	if r.TuitionMonth.Valid {
		m := billing.Month(r.TuitionMonth.String)
		p.TuitionMonth = &m
	}
	return p
}

const paymentColumns = `id, enrollment_id, amount, method, reference_number, description, tuition_month,
	payment_type, discount, created_by, payment_date, created_at, updated_at`

func (s *Store) InsertPayment(ctx context.Context, p billing.Payment) (*billing.Payment, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO payments (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.EnrollmentID, p.Amount.String(), string(p.Method), p.ReferenceNumber, p.Description,
		nullMonth(p.TuitionMonth), string(p.PaymentType), p.Discount.String(), p.CreatedBy,
		formatTime(p.PaymentDate), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return nil, billing.ErrDuplicateTuitionPayment
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert payment: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*billing.Payment, error) {
	var r paymentRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+paymentColumns+` FROM payments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	p := r.toDomain()
	return &p, nil
}

func (s *Store) UpdatePayment(ctx context.Context, p billing.Payment) (*billing.Payment, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE payments
		SET amount = ?, method = ?, reference_number = ?, description = ?, discount = ?,
		    payment_date = ?, updated_at = ?
		WHERE id = ?`),
		p.Amount.String(), string(p.Method), p.ReferenceNumber, p.Description, p.Discount.String(),
		formatTime(p.PaymentDate), formatTime(p.UpdatedAt), p.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, billing.ErrPaymentNotFound
	}
	return s.GetPayment(ctx, p.ID)
}

func (s *Store) TuitionPaymentExists(ctx context.Context, enrollmentID string, month billing.Month) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.q(`
		SELECT COUNT(*) FROM payments
		WHERE enrollment_id = ? AND payment_type = ? AND tuition_month = ?`),
		enrollmentID, string(billing.PaymentTuition), string(month))
	return count > 0, err
}

func (s *Store) ListPayments(ctx context.Context, enrollmentID string) ([]billing.Payment, error) {
	var rows []paymentRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+paymentColumns+` FROM payments WHERE enrollment_id = ? ORDER BY created_at, id`), enrollmentID)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Payment, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// =============================================================================
// INVOICE SEQUENCES
// =============================================================================

type sequenceRow struct {
	BranchID      string `db:"branch_id"`
	Series        string `db:"series"`
	CurrentNumber int64  `db:"current_number"`
	UpdatedAt     string `db:"updated_at"`
}

func (r sequenceRow) toDomain() billing.InvoiceSequence {
	return billing.InvoiceSequence{
		BranchID:      r.BranchID,
		Series:        r.Series,
		CurrentNumber: r.CurrentNumber,
		UpdatedAt:     parseTime(r.UpdatedAt),
	}
}

const sequenceColumns = `branch_id, series, current_number, updated_at`

// IncrementSequence is a single UPDATE ... RETURNING, so concurrent callers
// always observe distinct, consecutive numbers.
func (s *Store) IncrementSequence(ctx context.Context, branchID string) (*billing.InvoiceSequence, error) {
	var r sequenceRow
	err := s.db.QueryRowxContext(ctx, s.q(`
		UPDATE invoice_sequences
		SET current_number = current_number + 1, updated_at = ?
		WHERE branch_id = ?
		RETURNING `+sequenceColumns), formatTime(time.Now()), branchID).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSequenceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment invoice sequence: %w", err)
	}
	seq := r.toDomain()
	return &seq, nil
}

func (s *Store) GetSequence(ctx context.Context, branchID string) (*billing.InvoiceSequence, error) {
	var r sequenceRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+sequenceColumns+` FROM invoice_sequences WHERE branch_id = ?`), branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSequenceNotFound
	}
	if err != nil {
		return nil, err
	}
	seq := r.toDomain()
	return &seq, nil
}

func (s *Store) UpsertSequence(ctx context.Context, seq billing.InvoiceSequence) (*billing.InvoiceSequence, error) {
	var r sequenceRow
	err := s.db.QueryRowxContext(ctx, s.q(`
		INSERT INTO invoice_sequences (`+sequenceColumns+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (branch_id) DO UPDATE SET
			series = excluded.series,
			current_number = excluded.current_number,
			updated_at = excluded.updated_at
		WHERE invoice_sequences.current_number <= excluded.current_number
		RETURNING `+sequenceColumns),
		seq.BranchID, seq.Series, seq.CurrentNumber, formatTime(seq.UpdatedAt),
	).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrSequenceRegression
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save invoice sequence: %w", err)
	}
	out := r.toDomain()
	return &out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

type invoiceRow struct {
	ID            string          `db:"id"`
	BranchID      string          `db:"branch_id"`
	EnrollmentID  string          `db:"enrollment_id"`
	PaymentID     string          `db:"payment_id"`
	InvoiceNumber string          `db:"invoice_number"`
	TotalAmount   decimal.Decimal `db:"total_amount"`
	CreatedBy     string          `db:"created_by"`
	Degraded      bool            `db:"degraded"`
	CreatedAt     string          `db:"created_at"`
}

type invoiceItemRow struct {
	ID          string          `db:"id"`
	InvoiceID   string          `db:"invoice_id"`
	Description string          `db:"description"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	TotalPrice  decimal.Decimal `db:"total_price"`
}

const (
	invoiceColumns     = `id, branch_id, enrollment_id, payment_id, invoice_number, total_amount, created_by, degraded, created_at`
	invoiceItemColumns = `id, invoice_id, description, quantity, unit_price, total_price`
)

func (s *Store) InsertInvoice(ctx context.Context, inv billing.Invoice) (*billing.Invoice, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO invoices (`+invoiceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inv.ID, inv.BranchID, inv.EnrollmentID, inv.PaymentID, inv.InvoiceNumber,
		inv.TotalAmount.String(), inv.CreatedBy, inv.Degraded, formatTime(inv.CreatedAt),
	)
	if isUniqueViolation(err) {
		return nil, billing.ErrInvoiceExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert invoice: %w", err)
	}

	for _, item := range inv.Items {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO invoice_items (`+invoiceItemColumns+`) VALUES (?, ?, ?, ?, ?, ?)`),
			item.ID, inv.ID, item.Description, item.Quantity, item.UnitPrice.String(), item.TotalPrice.String(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert invoice item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s *Store) GetInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	return s.getInvoice(ctx, `id = ?`, id)
}

func (s *Store) InvoiceForPayment(ctx context.Context, paymentID string) (*billing.Invoice, error) {
	return s.getInvoice(ctx, `payment_id = ?`, paymentID)
}

func (s *Store) getInvoice(ctx context.Context, where string, arg any) (*billing.Invoice, error) {
	var r invoiceRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+invoiceColumns+` FROM invoices WHERE `+where), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}

	var items []invoiceItemRow
	if err := s.db.SelectContext(ctx, &items, s.q(`
		SELECT `+invoiceItemColumns+` FROM invoice_items WHERE invoice_id = ? ORDER BY id`), r.ID); err != nil {
		return nil, err
	}

	inv := billing.Invoice{
		ID:            r.ID,
		BranchID:      r.BranchID,
		EnrollmentID:  r.EnrollmentID,
		PaymentID:     r.PaymentID,
		InvoiceNumber: r.InvoiceNumber,
		TotalAmount:   r.TotalAmount,
		CreatedBy:     r.CreatedBy,
		Degraded:      r.Degraded,
		CreatedAt:     parseTime(r.CreatedAt),
		Items:         make([]billing.InvoiceItem, len(items)),
	}
	for i, it := range items {
		inv.Items[i] = billing.InvoiceItem{
			ID:          it.ID,
			InvoiceID:   it.InvoiceID,
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TotalPrice:  it.TotalPrice,
		}
	}
	return &inv, nil
}

// =============================================================================
// TASKS
// =============================================================================

type taskRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Payload   string `db:"payload"`
	Status    string `db:"status"`
	Attempts  int    `db:"attempts"`
	RunAt     string `db:"run_at"`
	LastError string `db:"last_error"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (r taskRow) toDomain() billing.Task {
	return billing.Task{
		ID:        r.ID,
		Kind:      billing.TaskKind(r.Kind),
		Payload:   []byte(r.Payload),
		Status:    billing.TaskStatus(r.Status),
		Attempts:  r.Attempts,
		RunAt:     parseTime(r.RunAt),
		LastError: r.LastError,
		CreatedAt: parseTime(r.CreatedAt),
		UpdatedAt: parseTime(r.UpdatedAt),
	}
}

const taskColumns = `id, kind, payload, status, attempts, run_at, last_error, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, t billing.Task) (*billing.Task, error) {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO billing_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, string(t.Kind), string(t.Payload), string(t.Status), t.Attempts,
		formatTime(t.RunAt), t.LastError, formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return &t, nil
}

// DueTasks compares run_at as text; RFC3339 UTC strings with fixed-width
// fractions sort chronologically.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]billing.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, s.q(`
		SELECT `+taskColumns+` FROM billing_tasks
		WHERE status = ? AND run_at <= ?
		ORDER BY run_at
		LIMIT ?`), string(billing.TaskPending), formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	out := make([]billing.Task, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *Store) ClaimTask(ctx context.Context, id string, now time.Time) (*billing.Task, error) {
	var r taskRow
	err := s.db.QueryRowxContext(ctx, s.q(`
		UPDATE billing_tasks
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+taskColumns),
		string(billing.TaskRunning), formatTime(now), id, string(billing.TaskPending),
	).StructScan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrConcurrentModification
	}
	if err != nil {
		return nil, err
	}
	t := r.toDomain()
	return &t, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE billing_tasks SET status = ?, last_error = '', updated_at = ? WHERE id = ?`),
		string(billing.TaskDone), formatTime(now), id)
	return err
}

func (s *Store) RescheduleTask(ctx context.Context, id string, status billing.TaskStatus, runAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE billing_tasks SET status = ?, run_at = ?, last_error = ?, updated_at = ? WHERE id = ?`),
		string(status), formatTime(runAt), lastErr, formatTime(time.Now()), id)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*billing.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+taskColumns+` FROM billing_tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	t := r.toDomain()
	return &t, nil
}

// Helper functions

// timeLayout keeps a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullMonth(m *billing.Month) sql.NullString {
	if m == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*m), Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

var _ billing.Store = (*Store)(nil)
