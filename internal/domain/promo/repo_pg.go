package promo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const promoCols = `id, code, discount, max_uses, used_count, expires_at, is_active, created_at`

func scanPromo(row pgx.Row) (*PromoCode, error) {
	var p PromoCode
	err := row.Scan(&p.ID, &p.Code, &p.Discount, &p.MaxUses, &p.UsedCount, &p.ExpiresAt, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *PromoCode) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO promo_codes (id, code, discount, max_uses, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING used_count, created_at`,
		p.ID, p.Code, p.Discount, p.MaxUses, p.ExpiresAt, p.IsActive,
	).Scan(&p.UsedCount, &p.CreatedAt)
	if db.IsUniqueViolation(err, "promo_codes_code_key") {
		return ErrDuplicateCode
	}
	if err != nil {
		return fmt.Errorf("insert promo code: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*PromoCode, error) {
	return scanPromo(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+promoCols+` FROM promo_codes WHERE id = $1`, id))
}

func (r *repoPG) GetByCode(ctx context.Context, code string) (*PromoCode, error) {
	return scanPromo(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+promoCols+` FROM promo_codes WHERE code = $1`, code))
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*PromoCode, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM promo_codes`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count promo codes: %w", err)
	}

	rows, err := conn.Query(ctx, `SELECT `+promoCols+` FROM promo_codes
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list promo codes: %w", err)
	}
	defer rows.Close()

	var out []*PromoCode
	for rows.Next() {
		p, err := scanPromo(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (r *repoPG) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE promo_codes SET used_count = used_count + 1
		WHERE id = $1 AND (max_uses IS NULL OR used_count < max_uses)`, id)
	if err != nil {
		return fmt.Errorf("increment promo usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCapReached
	}
	return nil
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE promo_codes SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update promo code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
