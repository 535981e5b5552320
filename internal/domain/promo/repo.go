package promo

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("promo code not found")
	ErrDuplicateCode = errors.New("promo code already exists")
	// ErrCapReached is returned by IncrementUsage when the conditional update
	// matched no row.
	ErrCapReached = errors.New("promo code usage cap reached")
)

type Repository interface {
	Create(ctx context.Context, p *PromoCode) error
	GetByID(ctx context.Context, id uuid.UUID) (*PromoCode, error)
	GetByCode(ctx context.Context, code string) (*PromoCode, error)
	List(ctx context.Context, limit, offset int) ([]*PromoCode, int, error)
	// IncrementUsage bumps used_count unless max_uses is already reached.
	IncrementUsage(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
