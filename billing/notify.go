package billing

import "context"

// Notification categories.
const (
	CategoryPayment    = "payment"
	CategoryEnrollment = "enrollment"
)

// Notification is a billing event addressed to the admin users of a branch.
// Fan-out to individual users happens outside the engine.
type Notification struct {
	BranchID string `json:"branch_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// Publisher delivers notifications. Failures are logged by the caller and
// never affect committed billing state.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, n Notification) error

func (f PublisherFunc) Publish(ctx context.Context, n Notification) error { return f(ctx, n) }
