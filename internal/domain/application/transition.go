package application

import (
	"errors"
	"fmt"
)

// Event drives the application status machine.
type Event string

const (
	EventPaymentCompleted     Event = "PAYMENT_COMPLETED"
	EventAssignDoctor         Event = "ASSIGN_DOCTOR"
	EventSubmitRecommendation Event = "SUBMIT_RECOMMENDATION"
	EventDecline              Event = "DECLINE"
	EventApprove              Event = "APPROVE"
	EventApproveAndSend       Event = "APPROVE_AND_SEND"
	EventCancelByClient       Event = "CANCEL_BY_CLIENT"
)

type rule struct {
	from []Status
	to   Status
}

var transitions = map[Event]rule{
	EventPaymentCompleted:     {from: []Status{StatusPendingPayment}, to: StatusNew},
	EventAssignDoctor:         {from: []Status{StatusNew, StatusDeclined}, to: StatusAssigned},
	EventSubmitRecommendation: {from: []Status{StatusAssigned}, to: StatusResponseGiven},
	EventDecline:              {from: []Status{StatusAssigned}, to: StatusDeclined},
	EventApprove:              {from: []Status{StatusResponseGiven}, to: StatusApproved},
	EventApproveAndSend:       {from: []Status{StatusResponseGiven, StatusApproved}, to: StatusSentToClient},
	EventCancelByClient:       {from: []Status{StatusPendingPayment}, to: StatusCancelled},
}

// ErrIllegalTransition matches every *IllegalTransitionError via errors.Is.
var ErrIllegalTransition = errors.New("illegal status transition")

// IllegalTransitionError reports an event applied to a status outside its
// allowed source set. Current is the status observed at rejection time.
type IllegalTransitionError struct {
	Current Status
	Event   Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("event %s not allowed in status %s", e.Event, e.Current)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Next returns the status reached by applying ev in current.
func Next(current Status, ev Event) (Status, error) {
	r, ok := transitions[ev]
	if !ok {
		return "", fmt.Errorf("unknown event %q", ev)
	}
	for _, from := range r.from {
		if from == current {
			return r.to, nil
		}
	}
	return "", &IllegalTransitionError{Current: current, Event: ev}
}

// Allowed reports whether some event moves from into to. A nil from stands
// for creation, which may only land in PENDING_PAYMENT.
func Allowed(from *Status, to Status) bool {
	if from == nil {
		return to == StatusPendingPayment
	}
	for _, r := range transitions {
		if r.to != to {
			continue
		}
		for _, f := range r.from {
			if f == *from {
				return true
			}
		}
	}
	return false
}
