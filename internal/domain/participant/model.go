package participant

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the actor kind recorded on every status change.
type Role string

const (
	RoleClient Role = "CLIENT"
	RoleDoctor Role = "DOCTOR"
	RoleAdmin  Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// ParseRole accepts both the stored form and the lower-case token claim form.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Participant is anyone who can act on an application: a client, a doctor or
// an administrator.
type Participant struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Role       Role      `db:"role" json:"role"`
	FullName   string    `db:"full_name" json:"full_name"`
	TelegramID *int64    `db:"telegram_id" json:"telegram_id,omitempty"`
	Email      *string   `db:"email" json:"email,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
