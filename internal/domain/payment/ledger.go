package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyCompleted rejects re-pricing a payment that has been paid.
var ErrAlreadyCompleted = errors.New("payment already completed")

// Ledger owns the PENDING -> COMPLETED | FAILED lifecycle.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) Create(ctx context.Context, applicationID uuid.UUID, baseAmount int64, provider string) (*Payment, error) {
	if baseAmount < 0 {
		return nil, fmt.Errorf("base amount must not be negative, got %d", baseAmount)
	}
	p := &Payment{
		ApplicationID: applicationID,
		Amount:        baseAmount,
		Provider:      provider,
		Status:        StatusPending,
	}
	if err := l.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return l.repo.GetByID(ctx, id)
}

func (l *Ledger) ForApplication(ctx context.Context, applicationID uuid.UUID) (*Payment, error) {
	return l.repo.GetByApplicationID(ctx, applicationID)
}

// ApplyPromo re-prices a PENDING payment. Applying the same split twice is
// harmless.
func (l *Ledger) ApplyPromo(ctx context.Context, id, promoID uuid.UUID, discount, amount int64) (*Payment, error) {
	if discount < 0 || amount < 0 {
		return nil, fmt.Errorf("discount and amount must not be negative")
	}
	p, err := l.repo.ApplyPromo(ctx, id, promoID, discount, amount)
	if errors.Is(err, ErrStale) {
		return nil, l.notPending(ctx, id)
	}
	return p, err
}

// Complete marks a PENDING payment paid. A payment that is already
// COMPLETED comes back with changed=false so duplicate provider callbacks
// are absorbed.
func (l *Ledger) Complete(ctx context.Context, id uuid.UUID, externalID string) (p *Payment, changed bool, err error) {
	p, err = l.repo.MarkCompleted(ctx, id, externalID, l.now())
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrStale) {
		return nil, false, err
	}
	current, gerr := l.repo.GetByID(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	if current.Status == StatusCompleted {
		return current, false, nil
	}
	return nil, false, ErrNotPending
}

// Fail marks a PENDING payment failed; a second call is a no-op.
func (l *Ledger) Fail(ctx context.Context, id uuid.UUID) (p *Payment, changed bool, err error) {
	p, err = l.repo.MarkFailed(ctx, id, l.now())
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrStale) {
		return nil, false, err
	}
	current, gerr := l.repo.GetByID(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	if current.Status == StatusFailed {
		return current, false, nil
	}
	return nil, false, ErrAlreadyCompleted
}

func (l *Ledger) notPending(ctx context.Context, id uuid.UUID) error {
	current, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusCompleted {
		return ErrAlreadyCompleted
	}
	return ErrNotPending
}
