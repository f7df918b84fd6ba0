// internal/model/campaign.go
package model

import (
	"database/sql/driver"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// Recipient filter types.
const (
	RecipientsAll      = "all"
	RecipientsProject  = "project"
	RecipientsContacts = "contacts"
	RecipientsManual   = "manual"
)

// RecipientFilter describes how a campaign resolves its audience.
type RecipientFilter struct {
	Type       string   `json:"type"`
	ProjectID  *int64   `json:"project_id,omitempty"`
	ContactIDs []int64  `json:"contact_ids,omitempty"`
	Numbers    []string `json:"numbers,omitempty"`
}

func (f RecipientFilter) Value() (driver.Value, error) {
	return jsonDriverValue(f)
}

func (f *RecipientFilter) Scan(src any) error {
	return scanJSON(src, f)
}

type Campaign struct {
	ID              int64           `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	Channel         Channel         `db:"channel" json:"channel"`
	Status          CampaignStatus  `db:"status" json:"status"`
	TemplateID      int64           `db:"template_id" json:"template_id"`
	Variables       Variables       `db:"variables" json:"variables,omitempty"`
	RecipientFilter RecipientFilter `db:"recipient_filter" json:"recipient_filter"`
	RateLimit       float64         `db:"rate_limit" json:"rate_limit"`
	TotalRecipients int             `db:"total_recipients" json:"total_recipients"`
	TotalSent       int             `db:"total_sent" json:"total_sent"`
	TotalDelivered  int             `db:"total_delivered" json:"total_delivered"`
	TotalRead       int             `db:"total_read" json:"total_read"`
	TotalFailed     int             `db:"total_failed" json:"total_failed"`
	StartedAt       *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       *time.Time      `db:"updated_at" json:"updated_at,omitempty"`
}

// CampaignCounters is a snapshot of a running campaign's progress.
type CampaignCounters struct {
	Total  int
	Sent   int
	Failed int
}

// RecipientError is a per-recipient failure surfaced to the operator.
type RecipientError struct {
	Phone string `json:"phone"`
	Error string `json:"error"`
}

// CampaignResult is the summary returned by a campaign execution.
type CampaignResult struct {
	CampaignID   int64            `json:"campaignId"`
	Status       CampaignStatus   `json:"status"`
	Sent         int              `json:"sent"`
	Failed       int              `json:"failed"`
	Total        int              `json:"total"`
	Skipped      int              `json:"skipped,omitempty"`
	ErrorSamples []RecipientError `json:"errorSamples"`
}

// Counter columns that delivery webhooks may bump after a send.
const (
	CounterDelivered = "total_delivered"
	CounterRead      = "total_read"
)
