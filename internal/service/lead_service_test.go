package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/service"
)

func TestCreateLeadAssignsOwnerAndPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ana := salesperson(h, "Ana")

	var mu sync.Mutex
	var events []model.DomainEvent
	require.NoError(t, h.bus.Subscribe(model.EventLeadCreated, func(_ context.Context, evt model.DomainEvent) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
		return nil
	}))

	c, created, err := h.leads.CreateLead(ctx, service.LeadInput{
		Name:       "Lucia",
		Phone:      "987 654 321",
		Source:     "facebook",
		Attributes: model.Attributes{"campana": "verano"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "+51987654321", c.Phone)
	assert.Equal(t, model.StageNew, c.Stage)
	require.NotNil(t, c.OwnerID)
	assert.Equal(t, ana.ID, *c.OwnerID)

	h.bus.Drain()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ContactID)
	assert.Equal(t, c.ID, *events[0].ContactID)
	assert.Equal(t, "facebook", events[0].Attributes.String("source"))
	assert.Equal(t, "verano", events[0].Attributes.String("campana"))
}

func TestCreateLeadIsIdempotentByPhone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, created, err := h.leads.CreateLead(ctx, service.LeadInput{Name: "Lucia", Phone: "+51987654321"})
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := h.leads.CreateLead(ctx, service.LeadInput{Name: "Lucía R.", Phone: "987654321"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateLeadWithoutSalespeopleStaysUnassigned(t *testing.T) {
	h := newHarness(t)
	c, _, err := h.leads.CreateLead(context.Background(), service.LeadInput{Name: "Lucia", Phone: "987654321"})
	require.NoError(t, err)
	assert.Nil(t, c.OwnerID)
	assert.Equal(t, "web", c.Source)
}

func TestCreateLeadRejectsBadPhone(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.leads.CreateLead(context.Background(), service.LeadInput{Name: "x", Phone: "abc"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidPhone)
}
