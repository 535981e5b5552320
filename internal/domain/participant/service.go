package participant

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register stores a new participant after normalizing its contact fields.
func (s *Service) Register(ctx context.Context, p *Participant) error {
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role: %q", p.Role)
	}
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if p.Email != nil {
		addr, err := mail.ParseAddress(strings.TrimSpace(*p.Email))
		if err != nil {
			return fmt.Errorf("invalid email: %w", err)
		}
		p.Email = &addr.Address
	}
	p.IsActive = true
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Participant, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, role Role, activeOnly bool) ([]*Participant, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid role: %q", role)
	}
	return s.repo.ListByRole(ctx, role, activeOnly)
}

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetActive(ctx, id, false)
}
