package model

import "time"

// Domain event names published on the bus.
const (
	EventLeadCreated     = "lead.created"
	EventMessageReceived = "message.received"
)

type DomainEvent struct {
	Name       string     `json:"name"`
	ContactID  *int64     `json:"contact_id,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Attributes Attributes `json:"attributes,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

type EventResult string

const (
	ResultSuccess EventResult = "SUCCESS"
	ResultError   EventResult = "ERROR"
	ResultWarning EventResult = "WARNING"
	ResultPartial EventResult = "PARTIAL"
)

// EventLog is an audit row written per webhook call and per campaign run.
type EventLog struct {
	ID        int64       `db:"id" json:"id"`
	RequestID string      `db:"request_id" json:"request_id"`
	Source    string      `db:"source" json:"source"`
	EventType string      `db:"event_type" json:"event_type"`
	Result    EventResult `db:"result" json:"result"`
	Payload   Attributes  `db:"payload" json:"payload,omitempty"`
	Error     *string     `db:"error" json:"error,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}
