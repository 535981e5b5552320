package promo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// codeAlphabet leaves out characters that are easy to misread (0/O, 1/I).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

type Service struct {
	repo    Repository
	now     func() time.Time
	newCode func() string
}

func NewService(repo Repository) (*Service, error) {
	gen, err := nanoid.CustomASCII(codeAlphabet, codeLength)
	if err != nil {
		return nil, fmt.Errorf("init promo code generator: %w", err)
	}
	return &Service{repo: repo, now: time.Now, newCode: gen}, nil
}

// Validate looks the code up and checks it can be redeemed right now. It
// never changes the usage counter.
func (s *Service) Validate(ctx context.Context, code string) (*PromoCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, &Error{Reason: ReasonNotFound, Code: code}
	}
	p, err := s.repo.GetByCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil, &Error{Reason: ReasonNotFound, Code: code}
	}
	if err != nil {
		return nil, fmt.Errorf("load promo code: %w", err)
	}
	if err := p.check(s.now()); err != nil {
		return nil, err
	}
	return p, nil
}

// IncrementUsage records one completed redemption. A reached cap comes back
// as an EXHAUSTED Error.
func (s *Service) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	err := s.repo.IncrementUsage(ctx, id)
	if !errors.Is(err, ErrCapReached) {
		return err
	}
	code := id.String()
	if p, gerr := s.repo.GetByID(ctx, id); gerr == nil {
		code = p.Code
	}
	return &Error{Reason: ReasonExhausted, Code: code}
}

type CreateInput struct {
	Code      string     `json:"code"`
	Discount  int        `json:"discount"`
	MaxUses   *int       `json:"max_uses"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Create stores a new active code, generating one when in.Code is empty.
func (s *Service) Create(ctx context.Context, in CreateInput) (*PromoCode, error) {
	if in.Discount < 1 || in.Discount > 100 {
		return nil, fmt.Errorf("discount must be between 1 and 100, got %d", in.Discount)
	}
	if in.MaxUses != nil && *in.MaxUses < 1 {
		return nil, fmt.Errorf("max_uses must be positive")
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("expires_at must be in the future")
	}

	code := NormalizeCode(in.Code)
	if code == "" {
		code = s.newCode()
	}
	if len(code) > 32 {
		return nil, fmt.Errorf("code must be at most 32 characters")
	}

	p := &PromoCode{
		Code:      code,
		Discount:  in.Discount,
		MaxUses:   in.MaxUses,
		ExpiresAt: in.ExpiresAt,
		IsActive:  true,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*PromoCode, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.repo.SetActive(ctx, id, false)
}
