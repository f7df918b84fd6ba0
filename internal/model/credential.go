package model

import "time"

// ChannelCredential holds the gateway settings for one provider.
// For the Cloud API AccountID is the phone number id; for the aggregator it is the account SID.
type ChannelCredential struct {
	Provider     Provider  `db:"provider" json:"provider"`
	AccountID    string    `db:"account_id" json:"account_id"`
	AuthToken    string    `db:"auth_token" json:"-"`
	SenderNumber string    `db:"sender_number" json:"sender_number"`
	SMSNumber    string    `db:"sms_number" json:"sms_number"`
	Active       bool      `db:"active" json:"active"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Complete reports whether the credential carries what a send needs.
func (c *ChannelCredential) Complete() bool {
	return c != nil && c.AccountID != "" && c.AuthToken != ""
}
