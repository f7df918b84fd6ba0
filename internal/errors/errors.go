// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ErrCampaignNotFound is returned when a campaign id has no row
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrNotFound covers the remaining aggregates.
type ErrNotFound struct {
	Entity string
	ID     int64
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s with ID %d not found", e.Entity, e.ID)
}

func NewTemplateNotFound(id int64) error {
	return &ErrNotFound{Entity: "template", ID: id}
}

func NewContactNotFound(id int64) error {
	return &ErrNotFound{Entity: "contact", ID: id}
}

func NewConversationNotFound(id int64) error {
	return &ErrNotFound{Entity: "conversation", ID: id}
}

func NewRunNotFound(id int64) error {
	return &ErrNotFound{Entity: "automation run", ID: id}
}

func NewMessageNotFound(id int64) error {
	return &ErrNotFound{Entity: "message", ID: id}
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var c *ErrCampaignNotFound
	var n *ErrNotFound
	return errors.As(err, &c) || errors.As(err, &n)
}

var (
	ErrInvalidSignature          = errors.New("invalid webhook signature")
	ErrNoRecipients              = errors.New("campaign has no recipients")
	ErrCampaignAlreadyCompleted  = errors.New("campaign already completed")
	ErrCampaignNotRunnable       = errors.New("campaign cannot be executed in its current status")
	ErrGatewayNotConfigured      = errors.New("gateway not configured")
	ErrSessionWindowClosed       = errors.New("session window closed and no template available")
	ErrDuplicateOpenConversation = errors.New("open conversation already exists for phone")
	ErrInvalidPhone              = errors.New("invalid phone number")
	ErrStaleState                = errors.New("record changed concurrently")
	ErrInvalidCredential         = errors.New("invalid channel credential")
)

// GatewayError is a send failure reported by a provider or its transport.
type GatewayError struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *GatewayError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// ErrorCode extracts a provider error code when err carries one.
func ErrorCode(err error) string {
	var g *GatewayError
	if errors.As(err, &g) {
		return g.Code
	}
	return ""
}
