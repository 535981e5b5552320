package participant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("participant not found")
	ErrDuplicateTelegram = errors.New("telegram id already registered")
)

type Repository interface {
	Create(ctx context.Context, p *Participant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Participant, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*Participant, error)
	ListByRole(ctx context.Context, role Role, activeOnly bool) ([]*Participant, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}
