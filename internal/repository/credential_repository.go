package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/crm-messaging/internal/model"
)

type CredentialRepositoryInterface interface {
	// GetActive returns nil when no active credential row exists for the provider.
	GetActive(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error)
	// Save upserts the credential; saving an active one deactivates the
	// provider's other accounts.
	Save(ctx context.Context, c *model.ChannelCredential) error
}

type CredentialRepository struct {
	DB *sqlx.DB
}

func (r *CredentialRepository) GetActive(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	var c model.ChannelCredential
	err := r.DB.GetContext(ctx, &c, `
		SELECT provider, account_id, auth_token, sender_number, sms_number, active, updated_at
		FROM channel_credentials
		WHERE provider=$1 AND active
		ORDER BY updated_at DESC
		LIMIT 1`, provider)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *CredentialRepository) Save(ctx context.Context, c *model.ChannelCredential) error {
	_, err := r.DB.ExecContext(ctx, `
		WITH retired AS (
			UPDATE channel_credentials SET active=FALSE, updated_at=$7
			WHERE provider=$1 AND account_id<>$2 AND active AND $6
		)
		INSERT INTO channel_credentials (provider, account_id, auth_token, sender_number, sms_number, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, account_id) DO UPDATE SET
			auth_token=EXCLUDED.auth_token,
			sender_number=EXCLUDED.sender_number,
			sms_number=EXCLUDED.sms_number,
			active=EXCLUDED.active,
			updated_at=EXCLUDED.updated_at`,
		c.Provider, c.AccountID, c.AuthToken, c.SenderNumber, c.SMSNumber, c.Active, c.UpdatedAt)
	return err
}

var _ CredentialRepositoryInterface = (*CredentialRepository)(nil)
