package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const paymentCols = `id, application_id, amount, discount_amount, promo_code_id, provider, status,
	external_id, created_at, completed_at, failed_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.ApplicationID, &p.Amount, &p.DiscountAmount, &p.PromoCodeID, &p.Provider, &p.Status,
		&p.ExternalID, &p.CreatedAt, &p.CompletedAt, &p.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Payment) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO payments (id, application_id, amount, discount_amount, provider, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.ApplicationID, p.Amount, p.DiscountAmount, p.Provider, p.Status,
	).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err, "payments_application_id_key") {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (r *repoPG) GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*Payment, error) {
	return scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE application_id = $1`, applicationID))
}

func (r *repoPG) updatePending(ctx context.Context, set string, args ...interface{}) (*Payment, error) {
	p, err := scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`UPDATE payments SET `+set+` WHERE id = $1 AND status = 'PENDING' RETURNING `+paymentCols, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	return p, nil
}

func (r *repoPG) ApplyPromo(ctx context.Context, id, promoID uuid.UUID, discount, amount int64) (*Payment, error) {
	return r.updatePending(ctx, `promo_code_id = $2, discount_amount = $3, amount = $4`,
		id, promoID, discount, amount)
}

func (r *repoPG) MarkCompleted(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (*Payment, error) {
	return r.updatePending(ctx, `status = 'COMPLETED', external_id = $2, completed_at = $3`,
		id, externalID, at)
}

func (r *repoPG) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (*Payment, error) {
	return r.updatePending(ctx, `status = 'FAILED', failed_at = $2`, id, at)
}
