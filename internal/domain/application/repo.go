package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("application not found")
	// ErrStatusConflict means the conditional update found the row in a
	// different status than expected.
	ErrStatusConflict = errors.New("application status changed concurrently")
)

// Patch carries the columns an event sets alongside the status. Nil fields
// are left untouched.
type Patch struct {
	DoctorID       *uuid.UUID
	AssignedAt     *time.Time
	CompletedAt    *time.Time
	SentToClientAt *time.Time
}

type Repository interface {
	// Create inserts a and fills DisplayNumber, CreatedAt and UpdatedAt.
	Create(ctx context.Context, a *Application) error
	GetByID(ctx context.Context, id uuid.UUID) (*Application, error)
	// GetForUpdate reads the row and locks it until the surrounding
	// transaction ends. Transactions that also write the payment take this
	// lock first.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Application, error)
	// UpdateStatus moves the row from one status to another only if it is
	// still in from; otherwise it returns ErrStatusConflict.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, p Patch) (*Application, error)
	List(ctx context.Context, f ListFilter) ([]*Application, int, error)
	// ListStale returns applications in status created before olderThan.
	ListStale(ctx context.Context, status Status, olderThan time.Time, limit int) ([]*Application, error)

	AddPhoto(ctx context.Context, p *Photo) error
	ListPhotos(ctx context.Context, applicationID uuid.UUID) ([]*Photo, error)
}
