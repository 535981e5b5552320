package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("payment not found")
	// ErrAlreadyExists means the application already has a payment.
	ErrAlreadyExists = errors.New("payment already exists for application")
	// ErrNotPending is returned when a PENDING-only operation meets a FAILED
	// payment, or a COMPLETED one for re-pricing.
	ErrNotPending = errors.New("payment is not pending")
	// ErrStale is the repository's answer to a conditional update that
	// matched no PENDING row.
	ErrStale = errors.New("payment no longer pending")
)

type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*Payment, error)
	// The three mutations below only touch a PENDING row and return ErrStale
	// otherwise.
	ApplyPromo(ctx context.Context, id, promoID uuid.UUID, discount, amount int64) (*Payment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (*Payment, error)
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (*Payment, error)
}
