package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/bootstrap"
	"github.com/unclebandit/crm-messaging/internal/config"
	"github.com/unclebandit/crm-messaging/internal/model"
)

func TestWorkerRunsAutomationFromEvents(t *testing.T) {
	cfg := &config.Config{
		Environment:        "development",
		DBDriver:           "memory",
		EventBus:           "memory",
		WhatsAppProvider:   "cloudapi",
		GatewayDryRun:      true,
		GatewayTimeout:     time.Second,
		PendingStatusTTL:   time.Minute,
		DefaultPhoneRegion: "PE",
		SchedulerInterval:  10 * time.Millisecond,
		SchedulerBatchSize: 10,
		AutomationRunLease: time.Minute,
	}
	app, err := bootstrap.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close()

	contact := app.Memory.AddContact(model.Contact{Name: "Ana", Phone: "+51999999999", Active: true})
	app.Memory.AddRule(model.AutomationRule{
		Name:    "marcar contactado",
		Trigger: model.EventLeadCreated,
		Actions: model.Actions{{Type: model.ActionUpdateStage, Stage: "contactado"}},
		Active:  true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, app) }()

	// run subscribes before it blocks; wait for the subscription to land
	require.Eventually(t, func() bool {
		id := contact.ID
		return app.Bus.Publish(ctx, model.DomainEvent{Name: model.EventLeadCreated, ContactID: &id}) == nil
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		c, err := app.Repos.Contacts.GetByID(context.Background(), contact.ID)
		return err == nil && c.Stage == "contactado"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
