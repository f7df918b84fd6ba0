// internal/model/conversation.go
package model

import "time"

type ConversationState string

const (
	ConversationOpen     ConversationState = "OPEN"
	ConversationClosed   ConversationState = "CLOSED"
	ConversationArchived ConversationState = "ARCHIVED"
)

// SessionWindow is how long free-form replies stay allowed after the last inbound message.
const SessionWindow = 24 * time.Hour

type Conversation struct {
	ID               int64             `db:"id" json:"id"`
	ContactID        *int64            `db:"contact_id" json:"contact_id,omitempty"`
	Phone            string            `db:"phone" json:"phone"`
	State            ConversationState `db:"state" json:"state"`
	OwnerID          *int64            `db:"owner_id" json:"owner_id,omitempty"`
	IsSessionOpen    bool              `db:"is_session_open" json:"is_session_open"`
	SessionExpiresAt *time.Time        `db:"session_expires_at" json:"session_expires_at,omitempty"`
	FirstMessageAt   *time.Time        `db:"first_message_at" json:"first_message_at,omitempty"`
	LastInboundAt    *time.Time        `db:"last_inbound_at" json:"last_inbound_at,omitempty"`
	LastOutboundAt   *time.Time        `db:"last_outbound_at" json:"last_outbound_at,omitempty"`
	ClosedAt         *time.Time        `db:"closed_at" json:"closed_at,omitempty"`
	InboundCount     int               `db:"inbound_count" json:"inbound_count"`
	OutboundCount    int               `db:"outbound_count" json:"outbound_count"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// SessionActive reports whether a free-form (non-template) message may be sent at now.
func (c *Conversation) SessionActive(now time.Time) bool {
	return c.State == ConversationOpen &&
		c.IsSessionOpen &&
		c.SessionExpiresAt != nil &&
		now.Before(*c.SessionExpiresAt)
}
