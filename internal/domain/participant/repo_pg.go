package participant

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

const participantCols = `id, role, full_name, telegram_id, email, is_active, created_at`

func scanParticipant(row pgx.Row) (*Participant, error) {
	var p Participant
	if err := row.Scan(&p.ID, &p.Role, &p.FullName, &p.TelegramID, &p.Email, &p.IsActive, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Participant) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO participants (id, role, full_name, telegram_id, email, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.Role, p.FullName, p.TelegramID, p.Email, p.IsActive,
	).Scan(&p.CreatedAt)
	if db.IsUniqueViolation(err, "participants_telegram_id_key") {
		return ErrDuplicateTelegram
	}
	if err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Participant, error) {
	return scanParticipant(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`, id))
}

func (r *repoPG) GetByTelegramID(ctx context.Context, telegramID int64) (*Participant, error) {
	return scanParticipant(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+participantCols+` FROM participants WHERE telegram_id = $1`, telegramID))
}

func (r *repoPG) ListByRole(ctx context.Context, role Role, activeOnly bool) ([]*Participant, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+participantCols+` FROM participants
		WHERE role = $1 AND (NOT $2 OR is_active)
		ORDER BY full_name, id`, role, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repoPG) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE participants SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
