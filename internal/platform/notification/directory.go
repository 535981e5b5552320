package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/payment"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/recommendation"
)

// Directory resolves recipients and the data templates need.
type Directory interface {
	Admins(ctx context.Context) ([]Recipient, error)
	Participant(ctx context.Context, id uuid.UUID) (*Recipient, error)
	Recommendation(ctx context.Context, applicationID uuid.UUID) (*recommendation.Recommendation, error)
	PaidAmount(ctx context.Context, applicationID uuid.UUID) (int64, error)
}

// RepoDirectory is the Directory backed by the domain repositories.
type RepoDirectory struct {
	participants    participant.Repository
	recommendations recommendation.Repository
	payments        payment.Repository
}

func NewRepoDirectory(pr participant.Repository, rr recommendation.Repository, pay payment.Repository) *RepoDirectory {
	return &RepoDirectory{participants: pr, recommendations: rr, payments: pay}
}

func (d *RepoDirectory) Admins(ctx context.Context) ([]Recipient, error) {
	admins, err := d.participants.ListByRole(ctx, participant.RoleAdmin, true)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	out := make([]Recipient, 0, len(admins))
	for _, a := range admins {
		out = append(out, recipientFrom(a))
	}
	return out, nil
}

func (d *RepoDirectory) Participant(ctx context.Context, id uuid.UUID) (*Recipient, error) {
	p, err := d.participants.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get participant %s: %w", id, err)
	}
	r := recipientFrom(p)
	return &r, nil
}

func (d *RepoDirectory) Recommendation(ctx context.Context, applicationID uuid.UUID) (*recommendation.Recommendation, error) {
	return d.recommendations.GetByApplicationID(ctx, applicationID)
}

// PaidAmount is zero when the application has no payment row.
func (d *RepoDirectory) PaidAmount(ctx context.Context, applicationID uuid.UUID) (int64, error) {
	p, err := d.payments.GetByApplicationID(ctx, applicationID)
	if errors.Is(err, payment.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Amount, nil
}

func recipientFrom(p *participant.Participant) Recipient {
	return Recipient{ID: p.ID, Name: p.FullName, TelegramID: p.TelegramID, Email: p.Email}
}
