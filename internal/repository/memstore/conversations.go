package memstore

import (
	"context"
	"slices"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type conversationRepo struct{ s *Store }

func (r *conversationRepo) GetByID(_ context.Context, id int64) (*model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return nil, appErrors.NewConversationNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *conversationRepo) FindOpenByPhone(_ context.Context, phone string) (*model.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if c := r.s.openByPhone(phone); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) openByPhone(phone string) *model.Conversation {
	for _, c := range s.conversations {
		if c.Phone == phone && c.State == model.ConversationOpen {
			return c
		}
	}
	return nil
}

// CreateOpen enforces the same one-OPEN-per-phone rule as the partial unique index.
func (r *conversationRepo) CreateOpen(_ context.Context, c *model.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.openByPhone(c.Phone) != nil {
		return appErrors.ErrDuplicateOpenConversation
	}
	now := time.Now()
	c.ID = r.s.nextID()
	c.State = model.ConversationOpen
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.s.conversations[c.ID] = &cp
	return nil
}

func (r *conversationRepo) RecordInbound(_ context.Context, id int64, at, expiresAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return appErrors.NewConversationNotFound(id)
	}
	c.IsSessionOpen = true
	c.SessionExpiresAt = &expiresAt
	c.LastInboundAt = &at
	if c.FirstMessageAt == nil {
		c.FirstMessageAt = &at
	}
	c.InboundCount++
	c.UpdatedAt = time.Now()
	return nil
}

func (r *conversationRepo) RecordOutbound(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok {
		return appErrors.NewConversationNotFound(id)
	}
	c.LastOutboundAt = &at
	if c.FirstMessageAt == nil {
		c.FirstMessageAt = &at
	}
	c.OutboundCount++
	c.UpdatedAt = time.Now()
	return nil
}

func (r *conversationRepo) SetState(_ context.Context, id int64, from []model.ConversationState, to model.ConversationState, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.conversations[id]
	if !ok || !slices.Contains(from, c.State) {
		return false, nil
	}
	c.State = to
	c.IsSessionOpen = false
	if c.ClosedAt == nil {
		c.ClosedAt = &at
	}
	c.UpdatedAt = time.Now()
	return true, nil
}
