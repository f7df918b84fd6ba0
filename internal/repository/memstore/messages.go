package memstore

import (
	"context"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type messageRepo struct{ s *Store }

func (r *messageRepo) Create(_ context.Context, m *model.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.ExternalID != nil && r.s.byExternalID(m.Provider, *m.ExternalID) != nil {
		return appErrors.ErrStaleState
	}
	r.s.insertMessage(m)
	return nil
}

func (r *messageRepo) CreateInbound(_ context.Context, m *model.Message) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m.ExternalID != nil && r.s.byExternalID(m.Provider, *m.ExternalID) != nil {
		return false, nil
	}
	r.s.insertMessage(m)
	return true, nil
}

func (s *Store) insertMessage(m *model.Message) {
	now := time.Now()
	m.ID = s.nextID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	cp := *m
	s.messages[m.ID] = &cp
}

func (s *Store) byExternalID(provider model.Provider, externalID string) *model.Message {
	for _, m := range s.messages {
		if m.Provider == provider && m.ExternalID != nil && *m.ExternalID == externalID {
			return m
		}
	}
	return nil
}

func (r *messageRepo) GetByID(_ context.Context, id int64) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, appErrors.NewMessageNotFound(id)
	}
	cp := *m
	return &cp, nil
}

func (r *messageRepo) FindByExternalID(_ context.Context, provider model.Provider, externalID string) (*model.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if m := r.s.byExternalID(provider, externalID); m != nil {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *messageRepo) MarkAccepted(_ context.Context, id int64, externalID string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return appErrors.NewMessageNotFound(id)
	}
	if other := r.s.byExternalID(m.Provider, externalID); other != nil && other.ID != id {
		return appErrors.ErrStaleState
	}
	m.ExternalID = &externalID
	if m.Status == model.StatusQueued {
		m.Status = model.StatusSent
	}
	if m.SentAt == nil {
		m.SentAt = &at
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (r *messageRepo) UpdateStatus(_ context.Context, id int64, change model.StatusChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != change.From {
		return false, nil
	}
	at := change.At
	m.Status = change.To
	switch change.To {
	case model.StatusSent:
		if m.SentAt == nil {
			m.SentAt = &at
		}
	case model.StatusDelivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case model.StatusRead:
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	case model.StatusFailed:
		if m.FailedAt == nil {
			m.FailedAt = &at
		}
	}
	if change.Error != nil {
		code, msg := change.Error.Code, change.Error.Message
		m.ErrorCode = &code
		m.ErrorMessage = &msg
	}
	m.UpdatedAt = time.Now()
	return true, nil
}

func (r *messageRepo) ExistsForCampaign(_ context.Context, campaignID int64, phone string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID && m.Phone == phone {
			return true, nil
		}
	}
	return false, nil
}

func (r *messageRepo) HasInboundSince(_ context.Context, phone string, since time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.Phone == phone && m.Direction == model.DirectionIn && !m.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *messageRepo) CountByStatusForCampaign(_ context.Context, campaignID int64) (map[model.MessageStatus]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := map[model.MessageStatus]int{}
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID {
			stats[m.Status]++
		}
	}
	return stats, nil
}
