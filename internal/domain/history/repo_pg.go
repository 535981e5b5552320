package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO status_history (id, application_id, from_status, to_status, changed_by_id, changed_by_role, comment)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		e.ID, e.ApplicationID, e.FromStatus, e.ToStatus, e.ChangedByID, e.ChangedByRole, e.Comment,
	).Scan(&e.CreatedAt)
	if db.IsForeignKeyViolation(err) {
		return fmt.Errorf("%w: %v", ErrUnknownApplication, err)
	}
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (r *repoPG) ListByApplication(ctx context.Context, applicationID uuid.UUID) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, application_id, from_status, to_status, changed_by_id, changed_by_role, comment, created_at
		FROM status_history WHERE application_id = $1
		ORDER BY created_at, seq`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ApplicationID, &e.FromStatus, &e.ToStatus,
			&e.ChangedByID, &e.ChangedByRole, &e.Comment, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
