package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/lock"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

const openConversationAttempts = 3

// ConversationService keeps at most one OPEN conversation per phone and tracks
// the 24h session window.
type ConversationService struct {
	conversations repository.ConversationRepositoryInterface
	messages      repository.MessageRepositoryInterface
	locker        lock.Locker
	clock         clock.Clock
	log           *zap.Logger
}

func NewConversationService(
	conversations repository.ConversationRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	locker lock.Locker,
	clk clock.Clock,
	log *zap.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		messages:      messages,
		locker:        locker,
		clock:         clk,
		log:           log.Named("conversations"),
	}
}

// GetOrOpen returns the OPEN conversation for phone, creating it when none exists.
// A per-phone lock serializes callers in this process (or cluster, with Redis);
// the unique OPEN index catches anything that slips past it.
func (s *ConversationService) GetOrOpen(ctx context.Context, phone string, contact *model.Contact) (*model.Conversation, error) {
	unlock, err := s.locker.Lock(ctx, "conversation:"+phone)
	if err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", phone, err)
	}
	defer unlock()

	for attempt := 0; attempt < openConversationAttempts; attempt++ {
		conv, err := s.conversations.FindOpenByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return conv, nil
		}

		conv = &model.Conversation{Phone: phone, State: model.ConversationOpen}
		if contact != nil {
			conv.ContactID = &contact.ID
			conv.OwnerID = contact.OwnerID
		}
		err = s.conversations.CreateOpen(ctx, conv)
		if err == nil {
			s.log.Info("conversation opened", zap.Int64("conversation_id", conv.ID), zap.String("phone", phone))
			return conv, nil
		}
		if !errors.Is(err, appErrors.ErrDuplicateOpenConversation) {
			return nil, err
		}
		s.log.Debug("lost open-conversation race, re-reading", zap.String("phone", phone))
	}
	return nil, appErrors.ErrDuplicateOpenConversation
}

func (s *ConversationService) Get(ctx context.Context, id int64) (*model.Conversation, error) {
	return s.conversations.GetByID(ctx, id)
}

// RecordInbound opens the session window until at+24h.
func (s *ConversationService) RecordInbound(ctx context.Context, conversationID int64, at time.Time) error {
	return s.conversations.RecordInbound(ctx, conversationID, at, at.Add(model.SessionWindow))
}

func (s *ConversationService) RecordOutbound(ctx context.Context, conversationID int64, at time.Time) error {
	return s.conversations.RecordOutbound(ctx, conversationID, at)
}

// Close moves an OPEN conversation to CLOSED. Closing a closed conversation is a no-op.
func (s *ConversationService) Close(ctx context.Context, id int64) (*model.Conversation, error) {
	return s.transition(ctx, id, []model.ConversationState{model.ConversationOpen}, model.ConversationClosed)
}

// Archive is terminal and accepts OPEN or CLOSED conversations.
func (s *ConversationService) Archive(ctx context.Context, id int64) (*model.Conversation, error) {
	return s.transition(ctx, id,
		[]model.ConversationState{model.ConversationOpen, model.ConversationClosed}, model.ConversationArchived)
}

func (s *ConversationService) transition(ctx context.Context, id int64, from []model.ConversationState, to model.ConversationState) (*model.Conversation, error) {
	ok, err := s.conversations.SetState(ctx, id, from, to, s.clock.Now())
	if err != nil {
		return nil, err
	}
	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && conv.State != to {
		return nil, fmt.Errorf("conversation %d is %s: %w", id, conv.State, appErrors.ErrStaleState)
	}
	if ok {
		s.log.Info("conversation state changed", zap.Int64("conversation_id", id), zap.String("state", string(to)))
	}
	return conv, nil
}

// RepliedSince reports whether any of the phones sent an inbound message at or after since.
func (s *ConversationService) RepliedSince(ctx context.Context, since time.Time, phones ...string) (bool, error) {
	seen := map[string]bool{}
	for _, p := range phones {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		ok, err := s.messages.HasInboundSince(ctx, p, since)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
