package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/service"
)

const day = 24 * time.Hour

type welcomeFixture struct {
	contact *model.Contact
	rule    *model.AutomationRule
	first   *model.Template
	second  *model.Template
}

func welcomeRule(h *harness, stopIfReplied bool) welcomeFixture {
	first := h.template("Hola {{nombre}}, gracias por escribirnos")
	second := h.template("{{nombre}}, ¿pudiste revisar la información?")
	rule := h.store.AddRule(model.AutomationRule{
		Name:          "Bienvenida lead web",
		Trigger:       model.EventLeadCreated,
		Condition:     model.Condition{"source": []any{"web", "facebook"}},
		StopIfReplied: stopIfReplied,
		Active:        true,
		Actions: model.Actions{
			{Type: model.ActionSendTemplate, TemplateID: &first.ID},
			{Type: model.ActionWait, DelaySeconds: int64(day / time.Second)},
			{Type: model.ActionSendTemplate, TemplateID: &second.ID, OnlyIfNoReply: true},
			{Type: model.ActionUpdateStage, Stage: "contactado"},
		},
	})
	contact := h.store.AddContact(model.Contact{Name: "Lucia", Phone: "+51987654321", Source: "web", Active: true})
	return welcomeFixture{contact: contact, rule: rule, first: first, second: second}
}

func leadCreated(c *model.Contact) model.DomainEvent {
	return model.DomainEvent{
		Name:       model.EventLeadCreated,
		ContactID:  &c.ID,
		Phone:      c.Phone,
		Attributes: model.Attributes{"source": c.Source},
	}
}

func TestAutomationRunsStepsAcrossWait(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, false)

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	runs := h.store.AllRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunRunning, runs[0].State)
	assert.Equal(t, 0, runs[0].StepIndex)

	n, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run := h.store.AllRuns()[0]
	assert.Equal(t, 2, run.StepIndex)
	require.NotNil(t, run.NextActionDue)
	assert.Equal(t, testStart.Add(day), *run.NextActionDue)
	require.Len(t, h.sender.Calls(), 1)
	assert.Equal(t, "Hola Lucia, gracias por escribirnos", h.sender.Calls()[0].Request.Body)

	// not due yet: a second tick is a no-op
	n, err = h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, h.sender.Calls(), 1)

	h.clock.Advance(day + time.Second)
	n, err = h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run = h.store.AllRuns()[0]
	assert.Equal(t, model.RunCompleted, run.State)
	assert.NotNil(t, run.FinishedAt)
	assert.Len(t, h.sender.Calls(), 2)

	c, err := h.store.Contacts().GetByID(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Equal(t, "contactado", c.Stage)

	rule := h.store.Rule(f.rule.ID)
	assert.Equal(t, 1, rule.TotalRuns)
	assert.Equal(t, 1, rule.TotalCompleted)
}

func TestAutomationConditionMismatchStartsNothing(t *testing.T) {
	h := newHarness(t)
	f := welcomeRule(h, false)
	evt := leadCreated(f.contact)
	evt.Attributes["source"] = "referido"

	require.NoError(t, h.automation.HandleEvent(context.Background(), evt))
	assert.Empty(t, h.store.AllRuns())
}

func TestAutomationDuplicateEventStartsOneRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, false)

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	assert.Len(t, h.store.AllRuns(), 1)
}

func TestAutomationReplyCancelsStopIfRepliedRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, true)

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	_, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	require.NoError(t, h.automation.HandleEvent(ctx, model.DomainEvent{
		Name:  model.EventMessageReceived,
		Phone: f.contact.Phone,
	}))

	run := h.store.AllRuns()[0]
	assert.Equal(t, model.RunCancelled, run.State)
	assert.Equal(t, 1, h.store.Rule(f.rule.ID).TotalRuns)
	assert.Equal(t, 0, h.store.Rule(f.rule.ID).TotalCompleted)
}

func TestAutomationStopIfRepliedCheckedBeforeStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, true)

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	_, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	// reply stored without the event reaching the runner
	h.clock.Advance(time.Hour)
	h.inbound(t, f.contact.Phone, "wamid.reply")
	h.clock.Advance(day)

	_, err = h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, h.store.AllRuns()[0].State)
	assert.Len(t, h.sender.Calls(), 1)
}

func TestAutomationOnlyIfNoReplySkipsSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, false)

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	_, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	h.inbound(t, f.contact.Phone, "wamid.reply")
	h.clock.Advance(day)

	_, err = h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	run := h.store.AllRuns()[0]
	assert.Equal(t, model.RunCompleted, run.State)
	assert.Len(t, h.sender.Calls(), 1)
}

func TestAutomationSkipsOptedOutContact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tpl := h.template("Hola")
	h.store.AddRule(model.AutomationRule{
		Name:    "aviso",
		Trigger: model.EventLeadCreated,
		Active:  true,
		Actions: model.Actions{{Type: model.ActionSendTemplate, TemplateID: &tpl.ID}},
	})
	c := h.store.AddContact(model.Contact{Name: "X", Phone: "+51987654321", Active: true, WhatsAppOptOut: true})

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(c)))
	_, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.RunCompleted, h.store.AllRuns()[0].State)
	assert.Empty(t, h.sender.Calls())
}

func TestAutomationStepErrorFailsOnlyThatRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	broken := h.store.AddRule(model.AutomationRule{
		Name:    "rota",
		Trigger: model.EventLeadCreated,
		Active:  true,
		Actions: model.Actions{{Type: model.ActionSendTemplate}},
	})
	h.store.AddRule(model.AutomationRule{
		Name:    "etapa",
		Trigger: model.EventLeadCreated,
		Active:  true,
		Actions: model.Actions{{Type: model.ActionUpdateStage, Stage: "interesado"}},
	})
	c := h.store.AddContact(model.Contact{Name: "X", Phone: "+51987654321", Active: true})

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(c)))
	n, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, run := range h.store.AllRuns() {
		if run.RuleID == broken.ID {
			assert.Equal(t, model.RunFailed, run.State)
			require.NotNil(t, run.LastError)
			assert.Contains(t, *run.LastError, "template_id")
		} else {
			assert.Equal(t, model.RunCompleted, run.State)
		}
	}
}

func TestAutomationReassignOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ana := salesperson(h, "Ana")
	h.store.AddRule(model.AutomationRule{
		Name:    "reasignar",
		Trigger: model.EventLeadCreated,
		Active:  true,
		Actions: model.Actions{{Type: model.ActionReassignOwner}},
	})
	c := h.store.AddContact(model.Contact{Name: "X", Phone: "+51987654321", Active: true})

	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(c)))
	_, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)

	got, err := h.store.Contacts().GetByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OwnerID)
	assert.Equal(t, ana.ID, *got.OwnerID)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, false)
	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))
	runID := h.store.AllRuns()[0].ID

	run, err := h.automation.Cancel(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCancelled, run.State)

	_, err = h.automation.Cancel(ctx, runID)
	assert.ErrorIs(t, err, appErrors.ErrStaleState)

	_, err = h.automation.Cancel(ctx, 9999)
	assert.True(t, appErrors.IsNotFound(err))

	n, err := h.automation.AdvanceDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.sender.Calls())
}

func TestSchedulerTickAdvancesRunsAndReplaysStatuses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	f := welcomeRule(h, false)
	require.NoError(t, h.automation.HandleEvent(ctx, leadCreated(f.contact)))

	_, err := h.tracker.ApplyStatusUpdate(ctx, service.StatusUpdate{
		Provider: model.ProviderCloudAPI, ExternalID: "cloudapi-mock-1", Status: model.StatusDelivered,
	})
	require.NoError(t, err)

	sched := service.NewScheduler(h.automation, h.tracker, time.Minute, zap.NewNop())
	sched.Tick(ctx)

	require.Len(t, h.sender.Calls(), 1)
	msgs := h.store.AllMessages()
	require.Len(t, msgs, 1)
	// the early report was replayed when the send was acknowledged
	assert.Equal(t, model.StatusDelivered, msgs[0].Status)
	assert.Equal(t, 0, h.tracker.PendingCount())
}
