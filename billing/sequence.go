package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultFallbackSeries prefixes the timestamp numbers minted when a branch
// has no invoice sequence.
const DefaultFallbackSeries = "FAC"

// InvoiceNumber is the result of one allocation.
type InvoiceNumber struct {
	Number   string
	Sequence int64 // 0 when degraded
	Degraded bool
}

// SequenceAllocator mints per-branch invoice numbers.
//
// Allocation is a single increment-and-return against the store, so Next is
// linearizable per branch across processes sharing the store.
type SequenceAllocator struct {
	store          SequenceStore
	log            zerolog.Logger
	now            func() time.Time
	FallbackSeries string
}

func NewSequenceAllocator(store SequenceStore, log zerolog.Logger) *SequenceAllocator {
	return &SequenceAllocator{
		store:          store,
		log:            log.With().Str("component", "sequence_allocator").Logger(),
		now:            time.Now,
		FallbackSeries: DefaultFallbackSeries,
	}
}

// Next returns the next invoice number for branchID, formatted as
// {series}-{requester prefix}-{number padded to 6}. A missing sequence row
// yields a timestamp number with Degraded set; that is not an error.
func (a *SequenceAllocator) Next(ctx context.Context, actor ActorContext, branchID string) (InvoiceNumber, error) {
	seq, err := a.store.IncrementSequence(ctx, branchID)
	if errors.Is(err, ErrSequenceNotFound) {
		n := InvoiceNumber{
			Number:   fmt.Sprintf("%s-%d", a.FallbackSeries, a.now().UnixMilli()),
			Degraded: true,
		}
		a.log.Warn().
			Str("event", "allocation_degraded").
			Str("branch_id", branchID).
			Str("invoice_number", n.Number).
			Msg(ErrAllocationDegraded.Error())
		return n, nil
	}
	if err != nil {
		return InvoiceNumber{}, fmt.Errorf("allocate invoice number for branch %s: %w", branchID, err)
	}

	return InvoiceNumber{
		Number:   FormatInvoiceNumber(seq.Series, actor.UserID, seq.CurrentNumber),
		Sequence: seq.CurrentNumber,
	}, nil
}

// FormatInvoiceNumber renders {series}-{first 4 of requester}-{000042}.
func FormatInvoiceNumber(series, requesterID string, n int64) string {
	prefix := requesterID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("%s-%s-%06d", series, prefix, n)
}

// Configure creates or updates the sequence of a branch. The counter can only
// move forward.
func (a *SequenceAllocator) Configure(ctx context.Context, branchID, series string, currentNumber int64) (*InvoiceSequence, error) {
	series = strings.TrimSpace(series)
	if branchID == "" {
		return nil, invalid("branch_id", "is required")
	}
	if series == "" {
		return nil, invalid("series", "is required")
	}
	if currentNumber < 0 {
		return nil, invalid("current_number", "must be >= 0")
	}
	seq, err := a.store.UpsertSequence(ctx, InvoiceSequence{
		BranchID:      branchID,
		Series:        series,
		CurrentNumber: currentNumber,
		UpdatedAt:     a.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	a.log.Info().Str("branch_id", branchID).Str("series", series).Int64("current_number", seq.CurrentNumber).Msg("invoice sequence configured")
	return seq, nil
}

// Current returns the stored sequence for a branch, or ErrSequenceNotFound.
func (a *SequenceAllocator) Current(ctx context.Context, branchID string) (*InvoiceSequence, error) {
	return a.store.GetSequence(ctx, branchID)
}
