package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

// OutboundRequest is one message to one recipient.
type OutboundRequest struct {
	Phone      string
	Contact    *model.Contact
	Channel    model.Channel
	Template   *model.Template
	Variables  model.Variables
	CampaignID *int64
}

// Outbound sends single messages: it picks session or template kind from the
// conversation window, stores the message, calls the gateway and records the result.
type Outbound struct {
	conversations *ConversationService
	messages      repository.MessageRepositoryInterface
	tracker       *Tracker
	gateways      gateway.Resolver
	clock         clock.Clock
	timeout       time.Duration
	log           *zap.Logger
}

func NewOutbound(
	conversations *ConversationService,
	messages repository.MessageRepositoryInterface,
	tracker *Tracker,
	gateways gateway.Resolver,
	clk clock.Clock,
	timeout time.Duration,
	log *zap.Logger,
) *Outbound {
	return &Outbound{
		conversations: conversations,
		messages:      messages,
		tracker:       tracker,
		gateways:      gateways,
		clock:         clk,
		timeout:       timeout,
		log:           log.Named("outbound"),
	}
}

// Send returns the stored message even when the send failed; in that case the
// message is FAILED and carries the error. A nil message means the conversation
// or the message row could not be written, so nothing was sent.
func (o *Outbound) Send(ctx context.Context, req OutboundRequest) (*model.Message, error) {
	channel := req.Channel
	if channel == "" {
		channel = model.ChannelWhatsApp
	}
	sender, err := o.gateways.For(channel)
	if err != nil {
		return nil, err
	}

	conv, err := o.conversations.GetOrOpen(ctx, req.Phone, req.Contact)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now()
	kind := model.KindTemplate
	if channel == model.ChannelSMS || conv.SessionActive(now) {
		kind = model.KindSession
	}

	msg := &model.Message{
		ConversationID:    conv.ID,
		Direction:         model.DirectionOut,
		Kind:              kind,
		Channel:           channel,
		Provider:          sender.Provider(),
		Phone:             req.Phone,
		Status:            model.StatusQueued,
		TemplateVariables: req.Variables,
		CampaignID:        req.CampaignID,
		CreatedAt:         now,
	}
	sendReq := gateway.SendRequest{
		Channel:   channel,
		To:        req.Phone,
		Kind:      kind,
		Variables: req.Variables,
	}
	if req.Template != nil {
		msg.TemplateID = &req.Template.ID
		msg.Body = RenderTemplate(req.Template.Body, req.Variables)
		sendReq.Body = msg.Body
		sendReq.Language = req.Template.Language
		if req.Template.ProviderTemplate != nil {
			sendReq.ProviderTemplate = *req.Template.ProviderTemplate
		}
	}

	if err := o.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	var sendErr error
	if kind == model.KindTemplate && sendReq.ProviderTemplate == "" {
		sendErr = appErrors.ErrSessionWindowClosed
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, o.timeout)
		var res *gateway.SendResult
		res, sendErr = sender.Send(sendCtx, sendReq)
		cancel()
		if sendErr == nil {
			if err := o.tracker.RecordSendAccepted(ctx, msg.ID, sender.Provider(), res.ExternalID); err != nil {
				// the provider took it but the row cannot say so; fail it rather than leave it QUEUED
				sendErr = fmt.Errorf("recording acceptance of %s: %w", res.ExternalID, err)
			} else {
				msg.Status = model.StatusSent
				msg.ExternalID = &res.ExternalID
			}
		}
	}

	if sendErr != nil {
		metrics.MessagesSent.WithLabelValues(string(sender.Provider()), string(channel), "failed").Inc()
		o.log.Warn("send failed",
			zap.Int64("message_id", msg.ID),
			zap.String("phone", req.Phone),
			zap.String("provider", string(sender.Provider())),
			zap.Error(sendErr),
		)
		if err := o.tracker.RecordSendFailed(ctx, msg.ID, sendErr); err != nil {
			o.log.Error("recording send failure", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		msg.Status = model.StatusFailed
		return msg, sendErr
	}

	metrics.MessagesSent.WithLabelValues(string(sender.Provider()), string(channel), "sent").Inc()
	if err := o.conversations.RecordOutbound(ctx, conv.ID, now); err != nil {
		o.log.Warn("conversation outbound stamp failed", zap.Int64("conversation_id", conv.ID), zap.Error(err))
	}
	return msg, nil
}
