package payment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Providers known to the cabinet. ProviderMock completes instantly and is
// only wired when PAYMENT_PROVIDER=mock.
const (
	ProviderMock     = "mock"
	ProviderYooKassa = "yookassa"
)

// Payment holds amounts in kopecks. Amount is what the client still owes
// after DiscountAmount was taken off the base price.
type Payment struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ApplicationID  uuid.UUID  `db:"application_id" json:"application_id"`
	Amount         int64      `db:"amount" json:"amount"`
	DiscountAmount int64      `db:"discount_amount" json:"discount_amount"`
	PromoCodeID    *uuid.UUID `db:"promo_code_id" json:"promo_code_id,omitempty"`
	Provider       string     `db:"provider" json:"provider"`
	Status         Status     `db:"status" json:"status"`
	ExternalID     *string    `db:"external_id" json:"external_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	FailedAt       *time.Time `db:"failed_at" json:"failed_at,omitempty"`
}

// BaseAmount is the price before any promo discount.
func (p *Payment) BaseAmount() int64 {
	return p.Amount + p.DiscountAmount
}
