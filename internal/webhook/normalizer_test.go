package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/lock"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository/memstore"
	"github.com/unclebandit/crm-messaging/internal/service"
	"github.com/unclebandit/crm-messaging/internal/webhook"
)

type fixture struct {
	store         *memstore.Store
	clock         *clock.FakeClock
	bus           *queue.InMemoryBus
	tracker       *service.Tracker
	conversations *service.ConversationService
	normalizer    *webhook.Normalizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	f := &fixture{
		store: memstore.New(),
		clock: clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		bus:   queue.NewInMemoryBus(log),
	}
	s := f.store
	f.tracker = service.NewTracker(s.Messages(), s.Campaigns(), f.clock, time.Minute, log)
	f.conversations = service.NewConversationService(s.Conversations(), s.Messages(), lock.NewLocalLocker(), f.clock, log)
	f.normalizer = webhook.NewNormalizer(f.conversations, f.tracker, s.Messages(), s.Contacts(), s.EventLogs(), f.bus, f.clock, "PE", log)
	return f
}

func inbound(extID, phone, body string) webhook.Envelope {
	return webhook.Envelope{
		Kind:       webhook.KindInbound,
		Provider:   model.ProviderCloudAPI,
		Channel:    model.ChannelWhatsApp,
		ExternalID: extID,
		Phone:      phone,
		Body:       body,
	}
}

func TestDuplicateInboundStoresOneMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	env := inbound("wamid.ABC123", "+51999999999", "Hola")

	first := f.normalizer.Process(ctx, model.ProviderCloudAPI, []webhook.Envelope{env}, nil, nil)
	second := f.normalizer.Process(ctx, model.ProviderCloudAPI, []webhook.Envelope{env}, nil, nil)

	assert.Equal(t, 1, first.Inbound)
	assert.Equal(t, 1, second.Duplicates)
	assert.Zero(t, second.Inbound)

	msgs := f.store.AllMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.DirectionIn, msgs[0].Direction)
	assert.Equal(t, model.StatusDelivered, msgs[0].Status)

	convs := f.store.AllConversations()
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].InboundCount)
	assert.True(t, convs[0].IsSessionOpen)

	logs := f.store.AllEventLogs()
	require.Len(t, logs, 2)
	assert.NotEqual(t, logs[0].RequestID, logs[1].RequestID)
	assert.Equal(t, model.ResultSuccess, logs[0].Result)
}

func TestInboundAttachesKnownContactAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	contact := f.store.AddContact(model.Contact{Name: "Ana", Phone: "+51999999999", Active: true})

	got := make(chan model.DomainEvent, 1)
	require.NoError(t, f.bus.Subscribe(model.EventMessageReceived, func(_ context.Context, evt model.DomainEvent) error {
		got <- evt
		return nil
	}))

	// local format is normalized with the default region
	f.normalizer.Process(ctx, model.ProviderCloudAPI, []webhook.Envelope{inbound("wamid.1", "999999999", "Hola")}, nil, nil)
	f.bus.Drain()

	convs := f.store.AllConversations()
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].ContactID)
	assert.Equal(t, contact.ID, *convs[0].ContactID)

	select {
	case evt := <-got:
		require.NotNil(t, evt.ContactID)
		assert.Equal(t, contact.ID, *evt.ContactID)
		assert.Equal(t, "+51999999999", evt.Phone)
	default:
		t.Fatal("message.received not published")
	}
}

func TestStatusEnvelopesDriveTracker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg := &model.Message{
		Direction: model.DirectionOut,
		Kind:      model.KindTemplate,
		Channel:   model.ChannelWhatsApp,
		Provider:  model.ProviderCloudAPI,
		Phone:     "+51999999999",
		Status:    model.StatusQueued,
	}
	require.NoError(t, f.store.Messages().Create(ctx, msg))
	require.NoError(t, f.tracker.RecordSendAccepted(ctx, msg.ID, model.ProviderCloudAPI, "wamid.OUT1"))

	status := func(s model.MessageStatus) webhook.Envelope {
		return webhook.Envelope{Kind: webhook.KindStatus, Provider: model.ProviderCloudAPI, ExternalID: "wamid.OUT1", Status: s}
	}
	sum := f.normalizer.Process(ctx, model.ProviderCloudAPI,
		[]webhook.Envelope{status(model.StatusRead), status(model.StatusDelivered)}, []string{"deleted"}, nil)

	assert.Equal(t, 1, sum.Statuses)
	assert.Equal(t, 1, sum.Conflicts)
	assert.Equal(t, 1, sum.Ignored)

	stored, err := f.store.Messages().GetByID(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRead, stored.Status)

	logs := f.store.AllEventLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.ResultWarning, logs[0].Result)
	assert.Equal(t, "webhook.status_update", logs[0].EventType)
}

func TestStatusBeforeAckIsPending(t *testing.T) {
	f := newFixture(t)
	sum := f.normalizer.Process(context.Background(), model.ProviderCloudAPI, []webhook.Envelope{{
		Kind: webhook.KindStatus, Provider: model.ProviderCloudAPI, ExternalID: "wamid.LATE", Status: model.StatusDelivered,
	}}, nil, nil)

	assert.Equal(t, 1, sum.Pending)
	assert.Equal(t, 1, f.tracker.PendingCount())
}

func TestBadPhoneIsRecordedAsError(t *testing.T) {
	f := newFixture(t)
	sum := f.normalizer.Process(context.Background(), model.ProviderCloudAPI,
		[]webhook.Envelope{inbound("wamid.X", "abc", "hola")}, nil, model.Attributes{"raw": "x"})

	assert.Equal(t, 1, sum.Errors)
	assert.Empty(t, f.store.AllMessages())
	logs := f.store.AllEventLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, model.ResultError, logs[0].Result)
	require.NotNil(t, logs[0].Error)
	assert.Equal(t, "x", logs[0].Payload["raw"])
}
