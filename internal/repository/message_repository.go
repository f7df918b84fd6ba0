package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type MessageRepositoryInterface interface {
	Create(ctx context.Context, m *model.Message) error
	// CreateInbound stores an inbound message once per (provider, external id); false means it already existed.
	CreateInbound(ctx context.Context, m *model.Message) (bool, error)
	GetByID(ctx context.Context, id int64) (*model.Message, error)
	// FindByExternalID returns nil when no message carries the id yet.
	FindByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Message, error)
	// MarkAccepted records the provider id and moves a QUEUED message to SENT.
	MarkAccepted(ctx context.Context, id int64, externalID string, at time.Time) error
	// UpdateStatus applies change only if the stored status still equals change.From.
	UpdateStatus(ctx context.Context, id int64, change model.StatusChange) (bool, error)
	ExistsForCampaign(ctx context.Context, campaignID int64, phone string) (bool, error)
	HasInboundSince(ctx context.Context, phone string, since time.Time) (bool, error)
	CountByStatusForCampaign(ctx context.Context, campaignID int64) (map[model.MessageStatus]int, error)
}

type MessageRepository struct {
	DB *sqlx.DB
}

const messageColumns = `id, conversation_id, direction, kind, channel, provider, phone, external_id, status, body,
	template_id, template_variables, campaign_id, error_code, error_message, sent_at, delivered_at, read_at,
	failed_at, created_at, updated_at`

const insertMessage = `
	INSERT INTO messages (conversation_id, direction, kind, channel, provider, phone, external_id, status, body,
		template_id, template_variables, campaign_id, error_code, error_message, sent_at, delivered_at, read_at,
		failed_at, created_at, updated_at)
	VALUES (:conversation_id, :direction, :kind, :channel, :provider, :phone, :external_id, :status, :body,
		:template_id, :template_variables, :campaign_id, :error_code, :error_message, :sent_at, :delivered_at,
		:read_at, :failed_at, :created_at, :updated_at)`

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	stamp(m)
	id, _, err := r.insert(ctx, insertMessage+` RETURNING id`, m)
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}

func (r *MessageRepository) CreateInbound(ctx context.Context, m *model.Message) (bool, error) {
	stamp(m)
	id, ok, err := r.insert(ctx, insertMessage+` ON CONFLICT (provider, external_id) DO NOTHING RETURNING id`, m)
	if err != nil || !ok {
		return false, err
	}
	m.ID = id
	return true, nil
}

func (r *MessageRepository) insert(ctx context.Context, query string, m *model.Message) (int64, bool, error) {
	rows, err := r.DB.NamedQueryContext(ctx, query, m)
	if err != nil {
		return 0, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func stamp(m *model.Message) {
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var m model.Message
	err := r.DB.GetContext(ctx, &m, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewMessageNotFound(id)
		}
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepository) FindByExternalID(ctx context.Context, provider model.Provider, externalID string) (*model.Message, error) {
	var m model.Message
	err := r.DB.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages WHERE provider=$1 AND external_id=$2`, provider, externalID)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (r *MessageRepository) MarkAccepted(ctx context.Context, id int64, externalID string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE messages
		SET external_id=$1,
		    status=CASE WHEN status='QUEUED' THEN 'SENT' ELSE status END,
		    sent_at=COALESCE(sent_at, $2),
		    updated_at=NOW()
		WHERE id=$3`, externalID, at, id)
	return affected(res, err, appErrors.NewMessageNotFound(id))
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, id int64, change model.StatusChange) (bool, error) {
	var code, msg *string
	if change.Error != nil {
		code, msg = &change.Error.Code, &change.Error.Message
	}
	res, err := r.DB.ExecContext(ctx, `
		UPDATE messages
		SET status=$1::text,
		    sent_at=CASE WHEN $1::text='SENT' THEN COALESCE(sent_at, $2::timestamptz) ELSE sent_at END,
		    delivered_at=CASE WHEN $1::text='DELIVERED' THEN COALESCE(delivered_at, $2::timestamptz) ELSE delivered_at END,
		    read_at=CASE WHEN $1::text='READ' THEN COALESCE(read_at, $2::timestamptz) ELSE read_at END,
		    failed_at=CASE WHEN $1::text='FAILED' THEN COALESCE(failed_at, $2::timestamptz) ELSE failed_at END,
		    error_code=COALESCE($3, error_code),
		    error_message=COALESCE($4, error_message),
		    updated_at=NOW()
		WHERE id=$5 AND status=$6`, change.To, change.At, code, msg, id, change.From)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *MessageRepository) ExistsForCampaign(ctx context.Context, campaignID int64, phone string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE campaign_id=$1 AND phone=$2)`, campaignID, phone)
	return exists, err
}

func (r *MessageRepository) HasInboundSince(ctx context.Context, phone string, since time.Time) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM messages WHERE phone=$1 AND direction='IN' AND created_at >= $2)`, phone, since)
	return exists, err
}

func (r *MessageRepository) CountByStatusForCampaign(ctx context.Context, campaignID int64) (map[model.MessageStatus]int, error) {
	rows, err := r.DB.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.MessageStatus]int{}
	for rows.Next() {
		var status model.MessageStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
