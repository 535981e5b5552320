package application

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

const applicationCols = `id, display_number, client_id, doctor_id, status, age, skin_type, price_range,
	main_problems, additional_comment, source, created_at, updated_at,
	assigned_at, completed_at, sent_to_client_at`

func scanApplication(row pgx.Row) (*Application, error) {
	var a Application
	err := row.Scan(&a.ID, &a.DisplayNumber, &a.ClientID, &a.DoctorID, &a.Status, &a.Age, &a.SkinType, &a.PriceRange,
		&a.MainProblems, &a.AdditionalComment, &a.Source, &a.CreatedAt, &a.UpdatedAt,
		&a.AssignedAt, &a.CompletedAt, &a.SentToClientAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Application) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO applications (id, client_id, status, age, skin_type, price_range,
			main_problems, additional_comment, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING display_number, created_at, updated_at`,
		a.ID, a.ClientID, a.Status, a.Age, a.SkinType, a.PriceRange,
		a.MainProblems, a.AdditionalComment, a.Source,
	).Scan(&a.DisplayNumber, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Application, error) {
	return scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE id = $1`, id))
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Application, error) {
	return scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+applicationCols+` FROM applications WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, p Patch) (*Application, error) {
	a, err := scanApplication(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE applications SET
			status = $3,
			doctor_id = COALESCE($4, doctor_id),
			assigned_at = COALESCE($5, assigned_at),
			completed_at = COALESCE($6, completed_at),
			sent_to_client_at = COALESCE($7, sent_to_client_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+applicationCols,
		id, from, to, p.DoctorID, p.AssignedAt, p.CompletedAt, p.SentToClientAt))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update application status: %w", err)
	}
	return a, nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*Application, int, error) {
	pageSQL, pageArgs, countSQL, countArgs, err := BuildListQuery(f)
	if err != nil {
		return nil, 0, err
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count applications: %w", err)
	}

	items, err := r.query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *repoPG) ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]*Application, error) {
	return r.query(ctx, `SELECT `+applicationCols+` FROM applications
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`, status, olderThan, limit)
}

func (r *repoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Application, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()

	var out []*Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repoPG) AddPhoto(ctx context.Context, p *Photo) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO application_photos (id, application_id, object_key, content_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		p.ID, p.ApplicationID, p.ObjectKey, p.ContentType, p.SizeBytes,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert application photo: %w", err)
	}
	return nil
}

func (r *repoPG) ListPhotos(ctx context.Context, applicationID uuid.UUID) ([]*Photo, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, application_id, object_key, content_type, size_bytes, created_at
		FROM application_photos WHERE application_id = $1
		ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, fmt.Errorf("query application photos: %w", err)
	}
	defer rows.Close()

	var out []*Photo
	for rows.Next() {
		var p Photo
		if err := rows.Scan(&p.ID, &p.ApplicationID, &p.ObjectKey, &p.ContentType, &p.SizeBytes, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
