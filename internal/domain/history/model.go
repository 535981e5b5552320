package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
)

// Entry is one append-only status change. FromStatus is nil for the row
// written when the application is created.
type Entry struct {
	ID            uuid.UUID           `db:"id" json:"id"`
	ApplicationID uuid.UUID           `db:"application_id" json:"application_id"`
	FromStatus    *application.Status `db:"from_status" json:"from_status"`
	ToStatus      application.Status  `db:"to_status" json:"to_status"`
	ChangedByID   *uuid.UUID          `db:"changed_by_id" json:"changed_by_id,omitempty"`
	ChangedByRole participant.Role    `db:"changed_by_role" json:"changed_by_role"`
	Comment       *string             `db:"comment" json:"comment,omitempty"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
}
