package recommendation

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

const recommendationCols = `id, application_id, doctor_id, text, links, original_text,
	edited_by_admin_id, edited_at, approved_by_admin_id, approved_at, created_at`

func (r *repoPG) Create(ctx context.Context, rec *Recommendation) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Links == nil {
		rec.Links = []string{}
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO recommendations (id, application_id, doctor_id, text, links)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		rec.ID, rec.ApplicationID, rec.DoctorID, rec.Text, rec.Links,
	).Scan(&rec.CreatedAt)
	if db.IsUniqueViolation(err, "recommendations_application_id_key") {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert recommendation: %w", err)
	}
	return nil
}

func (r *repoPG) GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*Recommendation, error) {
	var rec Recommendation
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recommendationCols+` FROM recommendations WHERE application_id = $1`, applicationID,
	).Scan(&rec.ID, &rec.ApplicationID, &rec.DoctorID, &rec.Text, &rec.Links, &rec.OriginalText,
		&rec.EditedByAdminID, &rec.EditedAt, &rec.ApprovedByAdminID, &rec.ApprovedAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recommendation: %w", err)
	}
	return &rec, nil
}

func (r *repoPG) UpdateContent(ctx context.Context, rec *Recommendation) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE recommendations
		SET text = $2, links = $3, original_text = $4, edited_by_admin_id = $5, edited_at = $6
		WHERE id = $1`,
		rec.ID, rec.Text, rec.Links, rec.OriginalText, rec.EditedByAdminID, rec.EditedAt)
	if err != nil {
		return fmt.Errorf("update recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) MarkApproved(ctx context.Context, applicationID, adminID uuid.UUID, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE recommendations SET approved_by_admin_id = $2, approved_at = $3
		WHERE application_id = $1 AND approved_at IS NULL`,
		applicationID, adminID, at)
	if err != nil {
		return fmt.Errorf("approve recommendation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByApplicationID(ctx, applicationID); err != nil {
			return err
		}
	}
	return nil
}
