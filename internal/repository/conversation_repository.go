package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type ConversationRepositoryInterface interface {
	GetByID(ctx context.Context, id int64) (*model.Conversation, error)
	// FindOpenByPhone returns nil when the phone has no OPEN conversation.
	FindOpenByPhone(ctx context.Context, phone string) (*model.Conversation, error)
	// CreateOpen returns ErrDuplicateOpenConversation when another OPEN row exists for the phone.
	CreateOpen(ctx context.Context, c *model.Conversation) error
	RecordInbound(ctx context.Context, id int64, at, expiresAt time.Time) error
	RecordOutbound(ctx context.Context, id int64, at time.Time) error
	// SetState moves a conversation out of one of the from states; false when it was in none of them.
	SetState(ctx context.Context, id int64, from []model.ConversationState, to model.ConversationState, at time.Time) (bool, error)
}

type ConversationRepository struct {
	DB *sqlx.DB
}

const conversationColumns = `id, contact_id, phone, state, owner_id, is_session_open, session_expires_at,
	first_message_at, last_inbound_at, last_outbound_at, closed_at, inbound_count, outbound_count,
	created_at, updated_at`

func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*model.Conversation, error) {
	var c model.Conversation
	err := r.DB.GetContext(ctx, &c, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	if err != nil {
		if isNoRows(err) {
			return nil, appErrors.NewConversationNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) FindOpenByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	var c model.Conversation
	err := r.DB.GetContext(ctx, &c,
		`SELECT `+conversationColumns+` FROM conversations WHERE phone=$1 AND state='OPEN'`, phone)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) CreateOpen(ctx context.Context, c *model.Conversation) error {
	now := time.Now()
	c.State = model.ConversationOpen
	c.CreatedAt = now
	c.UpdatedAt = now
	err := r.DB.QueryRowxContext(ctx, `
		INSERT INTO conversations (contact_id, phone, state, owner_id, created_at, updated_at)
		VALUES ($1, $2, 'OPEN', $3, $4, $5)
		RETURNING id`, c.ContactID, c.Phone, c.OwnerID, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if isUniqueViolation(err) {
		return appErrors.ErrDuplicateOpenConversation
	}
	return err
}

func (r *ConversationRepository) RecordInbound(ctx context.Context, id int64, at, expiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE conversations
		SET is_session_open=TRUE,
		    session_expires_at=$1,
		    last_inbound_at=$2,
		    first_message_at=COALESCE(first_message_at, $2),
		    inbound_count=inbound_count+1,
		    updated_at=NOW()
		WHERE id=$3`, expiresAt, at, id)
	return affected(res, err, appErrors.NewConversationNotFound(id))
}

func (r *ConversationRepository) RecordOutbound(ctx context.Context, id int64, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE conversations
		SET last_outbound_at=$1,
		    first_message_at=COALESCE(first_message_at, $1),
		    outbound_count=outbound_count+1,
		    updated_at=NOW()
		WHERE id=$2`, at, id)
	return affected(res, err, appErrors.NewConversationNotFound(id))
}

func (r *ConversationRepository) SetState(ctx context.Context, id int64, from []model.ConversationState, to model.ConversationState, at time.Time) (bool, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	query, args, err := sqlx.In(`
		UPDATE conversations
		SET state=?, is_session_open=FALSE, closed_at=COALESCE(closed_at, ?), updated_at=NOW()
		WHERE id=? AND state IN (?)`, to, at, id, states)
	if err != nil {
		return false, err
	}
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

var _ ConversationRepositoryInterface = (*ConversationRepository)(nil)
