package promo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PromoCode struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	Code      string     `db:"code" json:"code"`
	Discount  int        `db:"discount" json:"discount"`
	MaxUses   *int       `db:"max_uses" json:"max_uses,omitempty"`
	UsedCount int        `db:"used_count" json:"used_count"`
	ExpiresAt *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// Reason explains why a code cannot be redeemed.
type Reason string

const (
	ReasonNotFound  Reason = "NOT_FOUND"
	ReasonInactive  Reason = "INACTIVE"
	ReasonExpired   Reason = "EXPIRED"
	ReasonExhausted Reason = "EXHAUSTED"
)

// Error is the business failure returned by Validate and IncrementUsage.
type Error struct {
	Reason Reason
	Code   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("promo code %q: %s", e.Code, strings.ToLower(string(e.Reason)))
}

// IsReason reports whether err is a promo Error with the given reason.
func IsReason(err error, r Reason) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Reason == r
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// check applies the redemption rules in order: inactive, expired, exhausted.
func (p *PromoCode) check(now time.Time) error {
	switch {
	case !p.IsActive:
		return &Error{Reason: ReasonInactive, Code: p.Code}
	case p.ExpiresAt != nil && !now.Before(*p.ExpiresAt):
		return &Error{Reason: ReasonExpired, Code: p.Code}
	case p.MaxUses != nil && p.UsedCount >= *p.MaxUses:
		return &Error{Reason: ReasonExhausted, Code: p.Code}
	}
	return nil
}

// ComputeDiscount splits base into the discount and the amount still due.
// The discount is base*percent/100 rounded half up; the two parts always sum
// to base.
func ComputeDiscount(base int64, percent int) (discount, final int64) {
	if base <= 0 || percent <= 0 {
		return 0, max(base, 0)
	}
	if percent > 100 {
		percent = 100
	}
	discount = (base*int64(percent) + 50) / 100
	if discount > base {
		discount = base
	}
	return discount, base - discount
}
