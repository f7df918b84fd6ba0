package model

import "time"

// Template is a message body with {{key}} placeholders. A provider template
// reference is required for sends outside the session window.
type Template struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Body             string    `db:"body" json:"body"`
	Language         string    `db:"language" json:"language"`
	ProviderTemplate *string   `db:"provider_template" json:"provider_template,omitempty"`
	Active           bool      `db:"active" json:"active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
