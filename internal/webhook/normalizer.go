package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository"
	"github.com/unclebandit/crm-messaging/internal/service"
)

const (
	resultInbound          = "inbound"
	resultInboundDuplicate = "inbound_duplicate"
)

// Summary counts what happened to the envelopes of one callback.
type Summary struct {
	RequestID  string `json:"request_id"`
	Inbound    int    `json:"inbound"`
	Duplicates int    `json:"duplicates"`
	Statuses   int    `json:"statuses"`
	Pending    int    `json:"pending"`
	Conflicts  int    `json:"conflicts"`
	Ignored    int    `json:"ignored"`
	Errors     int    `json:"errors"`
}

func (s Summary) result() model.EventResult {
	processed := s.Inbound + s.Duplicates + s.Statuses + s.Pending + s.Conflicts
	switch {
	case s.Errors > 0 && processed == 0:
		return model.ResultError
	case s.Errors > 0:
		return model.ResultPartial
	case s.Ignored > 0 || s.Conflicts > 0:
		return model.ResultWarning
	}
	return model.ResultSuccess
}

type Normalizer struct {
	conversations *service.ConversationService
	tracker       *service.Tracker
	messages      repository.MessageRepositoryInterface
	contacts      repository.ContactRepositoryInterface
	eventLogs     repository.EventLogRepositoryInterface
	bus           queue.Bus
	clock         clock.Clock
	region        string
	log           *zap.Logger
}

func NewNormalizer(
	conversations *service.ConversationService,
	tracker *service.Tracker,
	messages repository.MessageRepositoryInterface,
	contacts repository.ContactRepositoryInterface,
	eventLogs repository.EventLogRepositoryInterface,
	bus queue.Bus,
	clk clock.Clock,
	region string,
	log *zap.Logger,
) *Normalizer {
	return &Normalizer{
		conversations: conversations,
		tracker:       tracker,
		messages:      messages,
		contacts:      contacts,
		eventLogs:     eventLogs,
		bus:           bus,
		clock:         clk,
		region:        region,
		log:           log,
	}
}

// Process applies every envelope of one callback and writes a single event log.
// Failures on one envelope do not stop the others.
func (n *Normalizer) Process(ctx context.Context, provider model.Provider, envs []Envelope, ignored []string, payload model.Attributes) Summary {
	sum := Summary{RequestID: uuid.NewString(), Ignored: len(ignored)}
	log := n.log.With(zap.String("request_id", sum.RequestID), zap.String("provider", string(provider)))

	for _, status := range ignored {
		log.Warn("unknown provider status ignored", zap.String("status", status))
		metrics.WebhookEvents.WithLabelValues(string(provider), string(KindStatus), "ignored").Inc()
	}

	var errs []error
	for _, env := range envs {
		result, err := n.apply(ctx, env)
		if err != nil {
			sum.Errors++
			errs = append(errs, fmt.Errorf("%s %s: %w", env.Kind, env.ExternalID, err))
			log.Error("webhook envelope failed",
				zap.String("kind", string(env.Kind)),
				zap.String("external_id", env.ExternalID),
				zap.Error(err))
			result = "error"
		}
		switch result {
		case resultInbound:
			sum.Inbound++
		case resultInboundDuplicate:
			sum.Duplicates++
		case string(service.OutcomeApplied), string(service.OutcomeDuplicate):
			sum.Statuses++
		case string(service.OutcomePending):
			sum.Pending++
		case string(service.OutcomeConflict):
			sum.Conflicts++
		}
		metrics.WebhookEvents.WithLabelValues(string(provider), string(env.Kind), result).Inc()
	}

	n.writeLog(ctx, provider, envs, sum, payload, errors.Join(errs...))
	return sum
}

func (n *Normalizer) apply(ctx context.Context, env Envelope) (string, error) {
	switch env.Kind {
	case KindInbound:
		return n.inbound(ctx, env)
	case KindStatus:
		outcome, err := n.tracker.ApplyStatusUpdate(ctx, service.StatusUpdate{
			Provider:   env.Provider,
			ExternalID: env.ExternalID,
			Status:     env.Status,
			Error:      env.Error,
			At:         n.at(env),
		})
		return string(outcome), err
	}
	return "", fmt.Errorf("unknown envelope kind %q", env.Kind)
}

func (n *Normalizer) inbound(ctx context.Context, env Envelope) (string, error) {
	existing, err := n.messages.FindByExternalID(ctx, env.Provider, env.ExternalID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return resultInboundDuplicate, nil
	}

	phone, err := service.NormalizePhone(env.Phone, n.region)
	if err != nil {
		return "", err
	}
	contact, err := n.contacts.FindByPhone(ctx, phone)
	if err != nil {
		return "", err
	}
	if contact == nil {
		n.log.Warn("inbound message from unknown contact", zap.String("phone", phone))
	}

	conv, err := n.conversations.GetOrOpen(ctx, phone, contact)
	if err != nil {
		return "", err
	}

	now := n.clock.Now()
	extID := env.ExternalID
	msg := &model.Message{
		ConversationID: conv.ID,
		Direction:      model.DirectionIn,
		Kind:           model.KindSession,
		Channel:        env.Channel,
		Provider:       env.Provider,
		Phone:          phone,
		ExternalID:     &extID,
		Status:         model.StatusDelivered,
		Body:           env.Body,
		DeliveredAt:    &now,
		CreatedAt:      now,
	}
	created, err := n.messages.CreateInbound(ctx, msg)
	if err != nil {
		return "", err
	}
	if !created {
		return resultInboundDuplicate, nil
	}

	if err := n.conversations.RecordInbound(ctx, conv.ID, now); err != nil {
		return "", err
	}

	evt := model.DomainEvent{
		Name:  model.EventMessageReceived,
		Phone: phone,
		Attributes: model.Attributes{
			"conversation_id": conv.ID,
			"message_id":      msg.ID,
			"channel":         string(env.Channel),
			"provider":        string(env.Provider),
		},
		OccurredAt: now,
	}
	if contact != nil {
		id := contact.ID
		evt.ContactID = &id
	}
	if err := n.bus.Publish(ctx, evt); err != nil && !errors.Is(err, queue.ErrNoSubscribers) {
		n.log.Warn("publishing message.received failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
	return resultInbound, nil
}

func (n *Normalizer) at(env Envelope) time.Time {
	if env.Timestamp > 0 {
		return time.Unix(env.Timestamp, 0).UTC()
	}
	return n.clock.Now()
}

// LogFailure records a callback that could not be read or parsed. The
// provider still gets a 200, so the event log is the only trace of it.
func (n *Normalizer) LogFailure(ctx context.Context, provider model.Provider, cause error, payload model.Attributes) Summary {
	sum := Summary{RequestID: uuid.NewString(), Errors: 1}
	entry := &model.EventLog{
		RequestID: sum.RequestID,
		Source:    string(provider),
		EventType: "webhook.error",
		Result:    model.ResultError,
		Payload:   payload,
		CreatedAt: n.clock.Now(),
	}
	msg := cause.Error()
	entry.Error = &msg
	if err := n.eventLogs.Insert(ctx, entry); err != nil {
		n.log.Error("writing webhook failure log failed", zap.String("request_id", sum.RequestID), zap.Error(err))
	}
	return sum
}

func (n *Normalizer) writeLog(ctx context.Context, provider model.Provider, envs []Envelope, sum Summary, payload model.Attributes, err error) {
	entry := &model.EventLog{
		RequestID: sum.RequestID,
		Source:    string(provider),
		EventType: eventType(envs),
		Result:    sum.result(),
		Payload:   payload,
		CreatedAt: n.clock.Now(),
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	if err := n.eventLogs.Insert(ctx, entry); err != nil {
		n.log.Error("writing webhook event log failed", zap.String("request_id", sum.RequestID), zap.Error(err))
	}
}

func eventType(envs []Envelope) string {
	var in, st bool
	for _, e := range envs {
		switch e.Kind {
		case KindInbound:
			in = true
		case KindStatus:
			st = true
		}
	}
	switch {
	case in && st:
		return "webhook.mixed"
	case in:
		return "webhook." + string(KindInbound)
	case st:
		return "webhook." + string(KindStatus)
	}
	return "webhook.empty"
}
