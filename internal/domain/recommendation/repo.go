package recommendation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("recommendation not found")
	ErrAlreadyExists = errors.New("application already has a recommendation")
)

type Repository interface {
	Create(ctx context.Context, r *Recommendation) error
	GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*Recommendation, error)
	// UpdateContent persists text, links and the edit audit columns.
	UpdateContent(ctx context.Context, r *Recommendation) error
	MarkApproved(ctx context.Context, applicationID, adminID uuid.UUID, at time.Time) error
}
