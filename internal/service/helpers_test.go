package service_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/lock"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository"
	"github.com/unclebandit/crm-messaging/internal/repository/memstore"
	"github.com/unclebandit/crm-messaging/internal/service"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *memstore.Store
	clock  *clock.FakeClock
	sender *gateway.MockSender
	bus    *queue.InMemoryBus

	tracker       *service.Tracker
	conversations *service.ConversationService
	outbound      *service.Outbound
	balancer      *service.Balancer
	campaigns     *service.CampaignService
	automation    *service.AutomationService
	leads         *service.LeadService
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithResolver(t, nil)
}

// newHarnessWithResolver lets a test wrap the mock sender; nil routes every channel to it.
func newHarnessWithResolver(t *testing.T, wrap func(*gateway.MockSender) gateway.Sender) *harness {
	t.Helper()
	return newHarnessWith(t, wrap, nil)
}

// newHarnessWith also lets a test wrap the message repository seen by the
// tracker, outbound and campaign services.
func newHarnessWith(t *testing.T, wrap func(*gateway.MockSender) gateway.Sender,
	wrapMessages func(repository.MessageRepositoryInterface) repository.MessageRepositoryInterface) *harness {
	t.Helper()
	log := zap.NewNop()
	h := &harness{
		store:  memstore.New(),
		clock:  clock.NewFakeClock(testStart),
		sender: gateway.NewMockSender(model.ProviderCloudAPI),
		bus:    queue.NewInMemoryBus(log),
	}
	h.sender.Now = h.clock.Now
	h.bus.Backoff = func(int) time.Duration { return time.Millisecond }

	var sender gateway.Sender = h.sender
	if wrap != nil {
		sender = wrap(h.sender)
	}
	resolver := gateway.Single(sender)

	s := h.store
	messages := s.Messages()
	if wrapMessages != nil {
		messages = wrapMessages(messages)
	}
	h.tracker = service.NewTracker(messages, s.Campaigns(), h.clock, 2*time.Minute, log)
	h.conversations = service.NewConversationService(s.Conversations(), s.Messages(), lock.NewLocalLocker(), h.clock, log)
	h.outbound = service.NewOutbound(h.conversations, messages, h.tracker, resolver, h.clock, 5*time.Second, log)
	h.balancer = service.NewBalancer(s.Accounts(), log)
	h.campaigns = service.NewCampaignService(service.CampaignRepos{
		Campaigns: s.Campaigns(),
		Contacts:  s.Contacts(),
		Templates: s.Templates(),
		Messages:  messages,
		EventLogs: s.EventLogs(),
	}, h.outbound, resolver, h.clock, "PE", 2, log)
	h.automation = service.NewAutomationService(s.Automation(), s.Contacts(), s.Templates(),
		h.conversations, h.outbound, h.balancer, h.clock, 2*time.Minute, 50, log)
	h.leads = service.NewLeadService(s.Contacts(), h.balancer, h.bus, h.clock, "PE", log)
	return h
}

func ptr[T any](v T) *T { return &v }

func (h *harness) template(body string) *model.Template {
	return h.store.AddTemplate(model.Template{
		Name:             "saludo",
		Body:             body,
		Language:         "es",
		ProviderTemplate: ptr("saludo_v1"),
		Active:           true,
	})
}

func (h *harness) message(t *testing.T, id int64) *model.Message {
	t.Helper()
	m, err := h.store.Messages().GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("message %d: %v", id, err)
	}
	return m
}

// inbound stores a customer reply stamped with the fake clock.
func (h *harness) inbound(t *testing.T, phone, externalID string) {
	t.Helper()
	_, err := h.store.Messages().CreateInbound(context.Background(), &model.Message{
		Direction:  model.DirectionIn,
		Kind:       model.KindSession,
		Channel:    model.ChannelWhatsApp,
		Provider:   model.ProviderCloudAPI,
		Phone:      phone,
		ExternalID: &externalID,
		Status:     model.StatusDelivered,
		Body:       "hola",
		CreatedAt:  h.clock.Now(),
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
}
