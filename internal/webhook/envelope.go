// Package webhook turns provider callbacks into provider-agnostic envelopes
// and applies them to conversations and message delivery state.
package webhook

import "github.com/unclebandit/crm-messaging/internal/model"

type Kind string

const (
	KindInbound Kind = "inbound_message"
	KindStatus  Kind = "status_update"
)

// Envelope is one normalized event. Parsers never branch past this point on provider identity.
type Envelope struct {
	Kind       Kind                `json:"kind"`
	Provider   model.Provider      `json:"provider"`
	Channel    model.Channel       `json:"channel"`
	ExternalID string              `json:"external_id"`
	Phone      string              `json:"phone"`
	Body       string              `json:"body,omitempty"`
	Status     model.MessageStatus `json:"status,omitempty"`
	Error      *model.ErrorInfo    `json:"error,omitempty"`
	// Timestamp is the provider's epoch seconds; zero when the provider sends none.
	Timestamp int64 `json:"timestamp,omitempty"`
}
