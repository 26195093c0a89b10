package consent

import (
	"time"

	"github.com/ofreceptor/sync-engine/domain/event"
)

// TransitionEvent names the lifecycle event driving a transition.
// Not to be confused with domain/event.Event, the emitted notification.
type TransitionEvent string

const (
	EventAuthorise TransitionEvent = "authorise"
	EventReject    TransitionEvent = "reject"
	EventConsume   TransitionEvent = "consume"
	EventRevoke    TransitionEvent = "revoke"
	EventExpire    TransitionEvent = "expire"
)

// eventTarget is the status a TransitionEvent drives a Consent toward.
var eventTarget = map[TransitionEvent]Status{
	EventAuthorise: StatusAuthorised,
	EventReject:    StatusRejected,
	EventConsume:   StatusConsumed,
	EventRevoke:    StatusRevoked,
	EventExpire:    StatusExpired,
}

// eventDomainType names the DomainEvent variant a TransitionEvent emits.
var eventDomainType = map[TransitionEvent]event.Type{
	EventAuthorise: event.TypeConsentAuthorised,
	EventReject:    event.TypeConsentRejected,
	EventConsume:   event.TypeConsentConsumed,
	EventRevoke:    event.TypeConsentRevoked,
	EventExpire:    event.TypeConsentExpired,
}

// transitionTable is the exhaustive set of legal lifecycle moves.
var transitionTable = map[Status]map[Status]bool{
	StatusAwaitingAuthorisation: {
		StatusAuthorised: true,
		StatusRejected:   true,
	},
	StatusAuthorised: {
		StatusConsumed: true,
		StatusRevoked:  true,
		StatusExpired:  true,
	},
	StatusConsumed: {
		StatusRevoked: true,
	},
	StatusRejected: {},
	StatusRevoked:  {},
	StatusExpired:  {},
}

// Transition is the pure function (currentStatus, event) -> nextStatus
// It performs no I/O and mutates nothing.
func Transition(current Status, evt TransitionEvent) (Status, error) {
	target, ok := eventTarget[evt]
	if !ok {
		return "", &ErrInvalidTransition{From: current, To: Status(evt)}
	}
	if (current == StatusRejected || current == StatusRevoked) && evt == EventRevoke {
		return "", ErrAlreadyRejected
	}
	allowed, ok := transitionTable[current]
	if !ok || !allowed[target] {
		return "", &ErrInvalidTransition{From: current, To: target}
	}
	return target, nil
}

// Apply performs transition validation, mutates the Consent in place, and
// returns the single domain event the transition must emit. reason is attached only when the target is REJECTED or REVOKED; it
// is ignored (nil) otherwise.
func Apply(c *Consent, evt TransitionEvent, reason *RejectionReason, now time.Time, correlationID, source string) (event.Event, error) {
	next, err := Transition(c.Status, evt)
	if err != nil {
		return event.Event{}, err
	}

	c.Status = next
	c.StatusUpdatedAt = now
	c.Version++

	if next == StatusRejected || next == StatusRevoked {
		c.RejectionReason = reason
	}

	body := event.ConsentBody{
		ConsentID:       c.ConsentID,
		ClientID:        c.ClientID,
		OrganizationID:  c.OrganizationID,
		CustomerID:      c.CustomerID,
		Status:          string(c.Status),
		StatusUpdatedAt: c.StatusUpdatedAt,
		ExpiresAt:       c.ExpiresAt,
	}
	if c.RejectionReason != nil {
		body.RejectionCode = c.RejectionReason.Code
		body.RejectionInfo = c.RejectionReason.Info
	}

	evtType := eventDomainType[evt]
	return event.New(evtType, c.ConsentID, correlationID, source, body), nil
}

// CreatedEvent builds the ConsentCreated event for a freshly created Consent
// .
func CreatedEvent(c *Consent, correlationID, source string) event.Event {
	body := event.ConsentBody{
		ConsentID:       c.ConsentID,
		ClientID:        c.ClientID,
		OrganizationID:  c.OrganizationID,
		CustomerID:      c.CustomerID,
		Status:          string(c.Status),
		StatusUpdatedAt: c.StatusUpdatedAt,
		ExpiresAt:       c.ExpiresAt,
	}
	return event.New(event.TypeConsentCreated, c.ConsentID, correlationID, source, body)
}
