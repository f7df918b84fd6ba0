// internal/model/contact.go
package model

import "time"

type Contact struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Phone          string    `db:"phone" json:"phone"`
	WhatsAppPhone  *string   `db:"whatsapp_phone" json:"whatsapp_phone,omitempty"`
	Email          *string   `db:"email" json:"email,omitempty"`
	ProjectID      *int64    `db:"project_id" json:"project_id,omitempty"`
	OwnerID        *int64    `db:"owner_id" json:"owner_id,omitempty"`
	Stage          string    `db:"stage" json:"stage"`
	Source         string    `db:"source" json:"source"`
	Active         bool      `db:"active" json:"active"`
	WhatsAppOptOut bool      `db:"whatsapp_opt_out" json:"whatsapp_opt_out"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// PreferredPhone returns the WhatsApp number when present, otherwise the main number.
func (c *Contact) PreferredPhone() string {
	if c.WhatsAppPhone != nil && *c.WhatsAppPhone != "" {
		return *c.WhatsAppPhone
	}
	return c.Phone
}

// TemplateVariables exposes contact fields under the placeholder names templates use.
func (c *Contact) TemplateVariables() Variables {
	return Variables{
		"nombre":         c.Name,
		"nombre_cliente": c.Name,
		"telefono":       c.PreferredPhone(),
		"1":              c.Name,
		"2":              c.PreferredPhone(),
	}
}

const StageNew = "nuevo"

// Account is a salesperson that can own contacts and conversations.
type Account struct {
	ID          int64  `db:"id" json:"id"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name"`
	Role        string `db:"role" json:"role"`
	Active      bool   `db:"active" json:"active"`
}

const RoleSalesperson = "vendedor"

// ClosedStages are pipeline stages that no longer count toward a salesperson's load.
var ClosedStages = []string{"cerrado", "perdido"}
