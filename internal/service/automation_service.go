package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

// AutomationService starts rule runs on domain events and advances them on
// scheduler ticks. Run progress lives in the store, so a restart resumes
// from the last saved step.
type AutomationService struct {
	automation    repository.AutomationRepositoryInterface
	contacts      repository.ContactRepositoryInterface
	templates     repository.TemplateRepositoryInterface
	conversations *ConversationService
	outbound      *Outbound
	balancer      *Balancer
	clock         clock.Clock
	lease         time.Duration
	batchSize     int
	log           *zap.Logger
}

func NewAutomationService(
	automation repository.AutomationRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	templates repository.TemplateRepositoryInterface,
	conversations *ConversationService,
	outbound *Outbound,
	balancer *Balancer,
	clk clock.Clock,
	lease time.Duration,
	batchSize int,
	log *zap.Logger,
) *AutomationService {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &AutomationService{
		automation:    automation,
		contacts:      contacts,
		templates:     templates,
		conversations: conversations,
		outbound:      outbound,
		balancer:      balancer,
		clock:         clk,
		lease:         lease,
		batchSize:     batchSize,
		log:           log.Named("automation"),
	}
}

// HandleEvent starts a run for every active rule whose trigger and condition
// match. A contact with a run of the same rule still RUNNING is not started again.
// message.received also cancels runs whose rule stops on reply.
func (s *AutomationService) HandleEvent(ctx context.Context, evt model.DomainEvent) error {
	contact, err := s.eventContact(ctx, evt)
	if err != nil {
		return err
	}
	if contact == nil {
		s.log.Debug("event without a known contact", zap.String("event", evt.Name), zap.String("phone", evt.Phone))
		return nil
	}

	running, err := s.automation.ListRunningByContact(ctx, contact.ID)
	if err != nil {
		return err
	}
	if evt.Name == model.EventMessageReceived {
		running, err = s.cancelOnReply(ctx, running)
		if err != nil {
			return err
		}
	}

	rules, err := s.automation.ListActiveRulesByTrigger(ctx, evt.Name)
	if err != nil {
		return err
	}
	attrs := eventAttributes(evt, contact)
	now := s.clock.Now()
	for _, rule := range rules {
		if len(rule.Actions) == 0 || !rule.Condition.Matches(attrs) {
			continue
		}
		if hasRunForRule(running, rule.ID) {
			continue
		}
		due := now
		run := &model.AutomationRun{
			RuleID:        rule.ID,
			ContactID:     contact.ID,
			State:         model.RunRunning,
			StepIndex:     0,
			NextActionDue: &due,
			StartedAt:     now,
		}
		if err := s.automation.CreateRun(ctx, run); err != nil {
			return err
		}
		s.log.Info("automation run started",
			zap.Int64("run_id", run.ID), zap.Int64("rule_id", rule.ID), zap.Int64("contact_id", contact.ID))
	}
	return nil
}

func (s *AutomationService) eventContact(ctx context.Context, evt model.DomainEvent) (*model.Contact, error) {
	if evt.ContactID != nil {
		c, err := s.contacts.GetByID(ctx, *evt.ContactID)
		if appErrors.IsNotFound(err) {
			return nil, nil
		}
		return c, err
	}
	if evt.Phone == "" {
		return nil, nil
	}
	return s.contacts.FindByPhone(ctx, evt.Phone)
}

// eventAttributes lets conditions test contact fields the event did not carry.
func eventAttributes(evt model.DomainEvent, c *model.Contact) model.Attributes {
	attrs := model.Attributes{
		"source": c.Source,
		"stage":  c.Stage,
	}
	if c.ProjectID != nil {
		attrs["project_id"] = *c.ProjectID
	}
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return attrs
}

func hasRunForRule(runs []*model.AutomationRun, ruleID int64) bool {
	for _, r := range runs {
		if r.RuleID == ruleID {
			return true
		}
	}
	return false
}

// cancelOnReply returns the runs still RUNNING after cancellation.
func (s *AutomationService) cancelOnReply(ctx context.Context, runs []*model.AutomationRun) ([]*model.AutomationRun, error) {
	var kept []*model.AutomationRun
	for _, run := range runs {
		rule, err := s.automation.GetRule(ctx, run.RuleID)
		if err != nil {
			return nil, err
		}
		if !rule.StopIfReplied {
			kept = append(kept, run)
			continue
		}
		if err := s.finish(ctx, run, model.RunCancelled, "contact replied"); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

// Cancel stops a RUNNING run out of band.
func (s *AutomationService) Cancel(ctx context.Context, runID int64) (*model.AutomationRun, error) {
	run, err := s.automation.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return nil, fmt.Errorf("run %d is %s: %w", runID, run.State, appErrors.ErrStaleState)
	}
	if err := s.finish(ctx, run, model.RunCancelled, "cancelled by operator"); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *AutomationService) finish(ctx context.Context, run *model.AutomationRun, state model.RunState, reason string) error {
	now := s.clock.Now()
	run.State = state
	run.FinishedAt = &now
	run.UpdatedAt = now
	if state == model.RunFailed {
		run.LastError = &reason
	}
	ok, err := s.automation.SaveProgress(ctx, run)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %d: %w", run.ID, appErrors.ErrStaleState)
	}
	s.log.Info("automation run finished",
		zap.Int64("run_id", run.ID), zap.String("state", string(state)), zap.String("reason", reason))
	return s.automation.IncrementRuleCounters(ctx, run.RuleID, state == model.RunCompleted)
}

// AdvanceDue executes every run whose next action is due. Runs are claimed
// first, so overlapping ticks never execute the same step twice at once.
func (s *AutomationService) AdvanceDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	runs, err := s.automation.ListDueRuns(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}
	advanced := 0
	for _, run := range runs {
		ok, err := s.advance(ctx, run, now)
		if err != nil {
			s.log.Error("advancing run", zap.Int64("run_id", run.ID), zap.Error(err))
			continue
		}
		if ok {
			advanced++
		}
	}
	return advanced, nil
}

func (s *AutomationService) advance(ctx context.Context, run *model.AutomationRun, now time.Time) (bool, error) {
	claimed, err := s.automation.ClaimRun(ctx, run.ID, run.StepIndex, now, now.Add(s.lease))
	if err != nil || !claimed {
		return false, err
	}

	rule, err := s.automation.GetRule(ctx, run.RuleID)
	if err != nil {
		return true, s.finish(ctx, run, model.RunFailed, err.Error())
	}
	contact, err := s.contacts.GetByID(ctx, run.ContactID)
	if err != nil {
		return true, s.finish(ctx, run, model.RunFailed, err.Error())
	}
	log := s.log.With(zap.Int64("run_id", run.ID), zap.Int64("rule_id", rule.ID))

	for {
		if run.StepIndex >= len(rule.Actions) {
			return true, s.finish(ctx, run, model.RunCompleted, "all steps done")
		}
		if rule.StopIfReplied {
			replied, err := s.conversations.RepliedSince(ctx, run.StartedAt, contact.PreferredPhone(), contact.Phone)
			if err != nil {
				return true, err
			}
			if replied {
				return true, s.finish(ctx, run, model.RunCancelled, "contact replied")
			}
		}

		action := rule.Actions[run.StepIndex]
		due, err := s.execute(ctx, run, contact, action, now)
		if err != nil {
			metrics.AutomationSteps.WithLabelValues(string(action.Type), "error").Inc()
			log.Warn("automation step failed", zap.Int("step", run.StepIndex), zap.Error(err))
			return true, s.finish(ctx, run, model.RunFailed, fmt.Sprintf("step %d (%s): %v", run.StepIndex, action.Type, err))
		}
		metrics.AutomationSteps.WithLabelValues(string(action.Type), "ok").Inc()
		run.StepIndex++

		if due != nil {
			run.NextActionDue = due
			run.UpdatedAt = now
			ok, err := s.automation.SaveProgress(ctx, run)
			if err != nil {
				return true, err
			}
			if !ok {
				return true, fmt.Errorf("run %d: %w", run.ID, appErrors.ErrStaleState)
			}
			log.Debug("automation run waiting", zap.Int("step", run.StepIndex), zap.Time("due", *due))
			return true, nil
		}
	}
}

// execute runs one step; a non-nil time means the run waits until then.
func (s *AutomationService) execute(ctx context.Context, run *model.AutomationRun, contact *model.Contact, action model.Action, now time.Time) (*time.Time, error) {
	switch action.Type {
	case model.ActionWait:
		due := now.Add(action.Delay())
		return &due, nil

	case model.ActionSendTemplate:
		if contact.WhatsAppOptOut {
			s.log.Info("contact opted out, skipping send", zap.Int64("run_id", run.ID), zap.Int64("contact_id", contact.ID))
			return nil, nil
		}
		if action.OnlyIfNoReply {
			replied, err := s.conversations.RepliedSince(ctx, run.StartedAt, contact.PreferredPhone(), contact.Phone)
			if err != nil {
				return nil, err
			}
			if replied {
				s.log.Info("contact replied, skipping send", zap.Int64("run_id", run.ID))
				return nil, nil
			}
		}
		if action.TemplateID == nil {
			return nil, errors.New("send_template step without template_id")
		}
		tpl, err := s.templates.GetByID(ctx, *action.TemplateID)
		if err != nil {
			return nil, err
		}
		phone := contact.PreferredPhone()
		_, err = s.outbound.Send(ctx, OutboundRequest{
			Phone:     phone,
			Contact:   contact,
			Channel:   model.ChannelWhatsApp,
			Template:  tpl,
			Variables: MergeVariables(contact.TemplateVariables(), action.Variables),
		})
		return nil, err

	case model.ActionReassignOwner:
		ownerID := action.OwnerID
		if ownerID == nil {
			acc, err := s.balancer.Pick(ctx)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				s.log.Warn("no salesperson available, owner unchanged", zap.Int64("run_id", run.ID))
				return nil, nil
			}
			ownerID = &acc.ID
		}
		if err := s.contacts.UpdateOwner(ctx, contact.ID, *ownerID); err != nil {
			return nil, err
		}
		contact.OwnerID = ownerID
		return nil, nil

	case model.ActionUpdateStage:
		if action.Stage == "" {
			return nil, errors.New("update_stage step without stage")
		}
		if err := s.contacts.UpdateStage(ctx, contact.ID, action.Stage); err != nil {
			return nil, err
		}
		contact.Stage = action.Stage
		return nil, nil
	}
	return nil, fmt.Errorf("unknown action type %q", action.Type)
}
