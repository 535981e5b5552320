package consultation

import (
	"errors"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrSameDoctor rejects re-assigning a declined application to the
	// doctor who declined it.
	ErrSameDoctor = errors.New("application was declined by this doctor")
	// ErrNotEditable is returned when the recommendation has been sent or
	// the application is not waiting for approval.
	ErrNotEditable = errors.New("recommendation can no longer be edited")
)

// ValidationError reports a user-correctable input problem.
type ValidationError = application.ValidationError
