// Package event defines the tagged domain event envelope shared by every
// aggregate (Consent, Account, sync runs) and the wire shape published by
// the Event Publisher (component H).
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type names one of the domain event variants.
type Type string

const (
	TypeConsentCreated     Type = "ConsentCreated"
	TypeConsentAuthorised  Type = "ConsentAuthorised"
	TypeConsentRejected    Type = "ConsentRejected"
	TypeConsentRevoked     Type = "ConsentRevoked"
	TypeConsentExpired     Type = "ConsentExpired"
	TypeConsentConsumed    Type = "ConsentConsumed"
	TypeAccountUpdated     Type = "AccountUpdated"
	TypeBatchSyncCompleted Type = "BatchSyncCompleted"
	TypeSyncError          Type = "SyncError"
)

// SchemaVersion is stamped on every event body; bump on breaking changes.
const SchemaVersion = "1.0"

// Metadata carries the correlation fields every transport requires.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	Source        string `json:"source"`
	Version       string `json:"version"`
}

// Event is the common header plus an opaque, normalized body. Body must only
// ever contain normalized domain data, never transmitter-raw payloads.
type Event struct {
	EventID       string      `json:"eventId"`
	EventType     Type        `json:"eventType"`
	OccurredAt    time.Time   `json:"occurredAt"`
	AggregateID   string      `json:"aggregateId"`
	CorrelationID string      `json:"correlationId"`
	Source        string      `json:"source"`
	SchemaVersion string      `json:"schemaVersion"`
	Metadata      Metadata    `json:"metadata"`
	Body          interface{} `json:"body,omitempty"`
}

// New stamps a fresh eventId/occurredAt and fills in the metadata block.
func New(eventType Type, aggregateID, correlationID, source string, body interface{}) Event {
	return Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    time.Now().UTC(),
		AggregateID:   aggregateID,
		CorrelationID: correlationID,
		Source:        source,
		SchemaVersion: SchemaVersion,
		Metadata: Metadata{
			CorrelationID: correlationID,
			Source:        source,
			Version:       SchemaVersion,
		},
		Body: body,
	}
}

// ConsentBody is the normalized body for every Consent* event variant.
type ConsentBody struct {
	ConsentID       string     `json:"consentId"`
	ClientID        string     `json:"clientId"`
	OrganizationID  string     `json:"organizationId"`
	CustomerID      string     `json:"customerId"`
	Status          string     `json:"status"`
	StatusUpdatedAt time.Time  `json:"statusUpdatedAt"`
	RejectionCode   string     `json:"rejectionCode,omitempty"`
	RejectionInfo   string     `json:"rejectionInfo,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// AccountUpdateBody is the normalized body published on every sync write.
type AccountUpdateBody struct {
	AccountID       string    `json:"accountId"`
	ConsentID       string    `json:"consentId"`
	OrganizationID  string    `json:"organizationId"`
	Status          string    `json:"status"`
	AvailableAmount float64   `json:"availableAmount"`
	BlockedAmount   float64   `json:"blockedAmount"`
	Currency        string    `json:"currency"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
}

// BatchSyncCompletedBody summarizes one orchestrator run.
type BatchSyncCompletedBody struct {
	ExecutionID string `json:"executionId"`
	Processed   int    `json:"processed"`
	Errors      int    `json:"errors"`
	DurationMs  int64  `json:"durationMs"`
}

// SyncErrorBody carries a batch-level or orchestrator-wide failure summary.
type SyncErrorBody struct {
	ExecutionID string `json:"executionId"`
	BatchNumber int    `json:"batchNumber,omitempty"`
	Reason      string `json:"reason"`
	Fatal       bool   `json:"fatal"`
}
