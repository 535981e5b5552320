package payment

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Provider callback event types.
const (
	EventSucceeded = "payment.succeeded"
	EventFailed    = "payment.failed"
)

// ProviderEvent is the body of a signed provider callback.
type ProviderEvent struct {
	Event         string    `json:"event"`
	ApplicationID uuid.UUID `json:"application_id"`
	ExternalID    string    `json:"external_id"`
}

// ParseProviderEvent decodes and sanity-checks a callback body. The
// signature has already been checked by the transport.
func ParseProviderEvent(body []byte) (*ProviderEvent, error) {
	var ev ProviderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode provider event: %w", err)
	}
	switch ev.Event {
	case EventSucceeded:
		if ev.ExternalID == "" {
			return nil, fmt.Errorf("external_id is required for %s", ev.Event)
		}
	case EventFailed:
	default:
		return nil, fmt.Errorf("unsupported event %q", ev.Event)
	}
	if ev.ApplicationID == uuid.Nil {
		return nil, fmt.Errorf("application_id is required")
	}
	return &ev, nil
}
