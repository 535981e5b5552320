package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
)

// Recorder writes history through the caller's transaction, so a failed
// append rolls the whole transition back.
type Recorder struct {
	repo Repository
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	if e.ApplicationID == uuid.Nil {
		return fmt.Errorf("history entry without application id")
	}
	if e.Comment != nil {
		if c := strings.TrimSpace(*e.Comment); c == "" {
			e.Comment = nil
		} else {
			e.Comment = &c
		}
	}
	return r.repo.Append(ctx, e)
}

func (r *Recorder) List(ctx context.Context, applicationID uuid.UUID) ([]*Entry, error) {
	return r.repo.ListByApplication(ctx, applicationID)
}

// ReplayError points at the first entry that does not continue the chain.
type ReplayError struct {
	Index  int
	Reason string
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("history entry %d: %s", e.Index, e.Reason)
}

// Replay folds ordered entries into the status they lead to. Every entry
// must start where the previous one ended and follow an allowed transition.
func Replay(entries []*Entry) (application.Status, error) {
	if len(entries) == 0 {
		return "", &ReplayError{Index: 0, Reason: "empty history"}
	}

	var current *application.Status
	for i, e := range entries {
		switch {
		case current == nil && e.FromStatus != nil:
			return "", &ReplayError{Index: i, Reason: "first entry must be the creation"}
		case current != nil && (e.FromStatus == nil || *e.FromStatus != *current):
			return "", &ReplayError{Index: i, Reason: fmt.Sprintf("gap: expected from %s", *current)}
		case !application.Allowed(e.FromStatus, e.ToStatus):
			return "", &ReplayError{Index: i, Reason: fmt.Sprintf("transition to %s not allowed", e.ToStatus)}
		}
		to := e.ToStatus
		current = &to
	}
	return *current, nil
}
