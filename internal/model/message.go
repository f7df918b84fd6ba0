// internal/model/message.go
package model

import "time"

type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

type MessageKind string

const (
	KindSession     MessageKind = "SESSION"
	KindTemplate    MessageKind = "TEMPLATE"
	KindInteractive MessageKind = "INTERACTIVE"
)

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

type Provider string

const (
	ProviderCloudAPI   Provider = "cloudapi"
	ProviderAggregator Provider = "aggregator"
)

type MessageStatus string

const (
	StatusQueued    MessageStatus = "QUEUED"
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
	StatusFailed    MessageStatus = "FAILED"
)

var statusRank = map[MessageStatus]int{
	StatusQueued:    1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Valid reports whether s is one of the known delivery states.
func (s MessageStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanTransition implements the monotonic delivery state machine:
// QUEUED -> SENT -> DELIVERED -> READ, with FAILED reachable from QUEUED or SENT.
// FAILED is absorbing and a repeated status is not a transition.
func CanTransition(from, to MessageStatus) bool {
	if from == to || from == StatusFailed || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return from == StatusQueued || from == StatusSent
	}
	return statusRank[to] > statusRank[from]
}

type Message struct {
	ID                int64         `db:"id" json:"id"`
	ConversationID    int64         `db:"conversation_id" json:"conversation_id"`
	Direction         Direction     `db:"direction" json:"direction"`
	Kind              MessageKind   `db:"kind" json:"kind"`
	Channel           Channel       `db:"channel" json:"channel"`
	Provider          Provider      `db:"provider" json:"provider"`
	Phone             string        `db:"phone" json:"phone"`
	ExternalID        *string       `db:"external_id" json:"external_id,omitempty"`
	Status            MessageStatus `db:"status" json:"status"`
	Body              string        `db:"body" json:"body"`
	TemplateID        *int64        `db:"template_id" json:"template_id,omitempty"`
	TemplateVariables Variables     `db:"template_variables" json:"template_variables,omitempty"`
	CampaignID        *int64        `db:"campaign_id" json:"campaign_id,omitempty"`
	ErrorCode         *string       `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage      *string       `db:"error_message" json:"error_message,omitempty"`
	SentAt            *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `db:"delivered_at" json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `db:"read_at" json:"read_at,omitempty"`
	FailedAt          *time.Time    `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `db:"updated_at" json:"updated_at"`
}

// ErrorInfo is the provider's failure detail attached to a FAILED transition.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusChange is a delivery-state transition to persist on a message.
type StatusChange struct {
	From  MessageStatus
	To    MessageStatus
	At    time.Time
	Error *ErrorInfo
}
