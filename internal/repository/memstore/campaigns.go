package memstore

import (
	"context"
	"fmt"
	"slices"
	"time"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

type campaignRepo struct{ s *Store }

func (r *campaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c.ID = r.s.nextID()
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	r.s.campaigns[c.ID] = &cp
	return nil
}

func (r *campaignRepo) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *campaignRepo) GetStatus(_ context.Context, id int64) (model.CampaignStatus, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return "", appErrors.NewCampaignNotFound(id)
	}
	return c.Status, nil
}

func (r *campaignRepo) TransitionStatus(_ context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || !slices.Contains(from, c.Status) {
		return false, nil
	}
	c.Status = to
	switch to {
	case model.CampaignRunning:
		if c.StartedAt == nil {
			c.StartedAt = &at
		}
	case model.CampaignCompleted, model.CampaignFailed:
		c.CompletedAt = &at
	}
	now := time.Now()
	c.UpdatedAt = &now
	return true, nil
}

func (r *campaignRepo) UpdateCounters(_ context.Context, id int64, counters model.CampaignCounters) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	c.TotalRecipients = max(c.TotalRecipients, counters.Total)
	c.TotalSent = max(c.TotalSent, counters.Sent)
	c.TotalFailed = max(c.TotalFailed, counters.Failed)
	return nil
}

func (r *campaignRepo) IncrementCounter(_ context.Context, id int64, column string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	switch column {
	case model.CounterDelivered:
		c.TotalDelivered++
	case model.CounterRead:
		c.TotalRead++
	default:
		return fmt.Errorf("unknown campaign counter %q", column)
	}
	return nil
}

type templateRepo struct{ s *Store }

func (r *templateRepo) GetByID(_ context.Context, id int64) (*model.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.templates[id]
	if !ok {
		return nil, appErrors.NewTemplateNotFound(id)
	}
	cp := *t
	return &cp, nil
}

type eventLogRepo struct{ s *Store }

func (r *eventLogRepo) Insert(_ context.Context, e *model.EventLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.ID = r.s.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	r.s.events = append(r.s.events, &cp)
	return nil
}

type credentialRepo struct{ s *Store }

func (r *credentialRepo) GetActive(_ context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.credentials[provider]
	if !ok || !c.Active {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// Save keeps one credential per provider, so an inactive row for another account is dropped.
func (r *credentialRepo) Save(_ context.Context, c *model.ChannelCredential) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if cur, ok := r.s.credentials[c.Provider]; ok && cur.AccountID != c.AccountID && !c.Active {
		return nil
	}
	cp := *c
	r.s.credentials[c.Provider] = &cp
	return nil
}
