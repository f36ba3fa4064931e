package billing

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Catalog is the passthrough for the records the engine reads but does not
// own: students and courses.
type Catalog struct {
	store interface {
		StudentStore
		CourseStore
	}
	now func() time.Time
}

func NewCatalog(store Store) *Catalog {
	return &Catalog{store: store, now: time.Now}
}

func (c *Catalog) CreateStudent(ctx context.Context, s Student) (*Student, error) {
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	if s.BranchID == "" {
		return nil, invalid("branch_id", "is required")
	}
	if s.FirstName == "" {
		return nil, invalid("first_name", "is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.IsActive = true
	s.CreatedAt = c.now().UTC()
	return c.store.InsertStudent(ctx, s)
}

func (c *Catalog) ListStudents(ctx context.Context, branchID string) ([]Student, error) {
	return c.store.ListStudents(ctx, branchID)
}

func (c *Catalog) CreateCourse(ctx context.Context, course Course) (*Course, error) {
	course.Name = strings.TrimSpace(course.Name)
	if course.BranchID == "" {
		return nil, invalid("branch_id", "is required")
	}
	if course.Name == "" {
		return nil, invalid("name", "is required")
	}
	if course.MonthlyFee.IsNegative() {
		return nil, invalid("monthly_fee", "must be >= 0")
	}
	if course.DurationMonths != nil && *course.DurationMonths <= 0 {
		return nil, invalid("duration_months", "must be > 0")
	}
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	course.IsActive = true
	course.CreatedAt = c.now().UTC()
	return c.store.InsertCourse(ctx, course)
}

func (c *Catalog) GetCourse(ctx context.Context, id string) (*Course, error) {
	return c.store.GetCourse(ctx, id)
}

func (c *Catalog) ListCourses(ctx context.Context, branchID string) ([]Course, error) {
	return c.store.ListCourses(ctx, branchID)
}
