package history

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnknownApplication is an integrity failure: the entry references an
// application that does not exist.
var ErrUnknownApplication = errors.New("status history references unknown application")

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByApplication(ctx context.Context, applicationID uuid.UUID) ([]*Entry, error)
}
