// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/ratelimit"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

const maxErrorSamples = 10

// CampaignRepos groups the stores the dispatcher reads and writes.
type CampaignRepos struct {
	Campaigns repository.CampaignRepositoryInterface
	Contacts  repository.ContactRepositoryInterface
	Templates repository.TemplateRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	EventLogs repository.EventLogRepositoryInterface
}

type CampaignService struct {
	repos      CampaignRepos
	outbound   *Outbound
	gateways   gateway.Resolver
	clock      clock.Clock
	region     string
	flushEvery int
	log        *zap.Logger

	// DefaultRate applies when a campaign has no rate limit of its own.
	DefaultRate float64
}

func NewCampaignService(
	repos CampaignRepos,
	outbound *Outbound,
	gateways gateway.Resolver,
	clk clock.Clock,
	region string,
	flushEvery int,
	log *zap.Logger,
) *CampaignService {
	if flushEvery <= 0 {
		flushEvery = 10
	}
	return &CampaignService{
		repos:       repos,
		outbound:    outbound,
		gateways:    gateways,
		clock:       clk,
		region:      region,
		flushEvery:  flushEvery,
		log:         log.Named("campaigns"),
		DefaultRate: 1,
	}
}

// ExecuteOptions overrides parts of the stored campaign for one execution.
type ExecuteOptions struct {
	FilterOverride *model.RecipientFilter
	Channel        model.Channel
}

type recipient struct {
	phone   string
	contact *model.Contact
}

type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// Execute sends the campaign to every resolved recipient, one at a time, at
// the campaign's rate limit. Per-recipient failures are collected in the
// result and do not stop the loop. Only DRAFT and PAUSED campaigns run; a
// resumed campaign skips recipients that already have a message.
func (s *CampaignService) Execute(ctx context.Context, campaignID int64, opts ExecuteOptions) (result *model.CampaignResult, err error) {
	log := s.log.With(zap.Int64("campaign_id", campaignID))

	campaign, err := s.repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	switch campaign.Status {
	case model.CampaignCompleted:
		return nil, appErrors.ErrCampaignAlreadyCompleted
	case model.CampaignDraft, model.CampaignPaused:
	default:
		return nil, fmt.Errorf("campaign %d is %s: %w", campaignID, campaign.Status, appErrors.ErrCampaignNotRunnable)
	}

	channel := opts.Channel
	if channel == "" {
		channel = campaign.Channel
	}
	if channel == "" {
		channel = model.ChannelWhatsApp
	}

	// configuration problems surface before any send
	sender, err := s.gateways.For(channel)
	if err != nil {
		return nil, err
	}
	if err := sender.Ready(ctx); err != nil {
		if !errors.Is(err, appErrors.ErrGatewayNotConfigured) {
			err = fmt.Errorf("%w: %v", appErrors.ErrGatewayNotConfigured, err)
		}
		return nil, err
	}

	tpl, err := s.repos.Templates.GetByID(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}

	filter := campaign.RecipientFilter
	if opts.FilterOverride != nil {
		filter = *opts.FilterOverride
	}
	recipients, err := s.resolveRecipients(ctx, filter, channel)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, appErrors.ErrNoRecipients
	}

	ok, err := s.repos.Campaigns.TransitionStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignDraft, model.CampaignPaused}, model.CampaignRunning, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("campaign %d changed state: %w", campaignID, appErrors.ErrCampaignNotRunnable)
	}
	log.Info("campaign started", zap.Int("recipients", len(recipients)), zap.String("channel", string(channel)))

	result = &model.CampaignResult{
		CampaignID:   campaignID,
		Status:       model.CampaignRunning,
		Total:        len(recipients),
		ErrorSamples: []model.RecipientError{},
	}
	counters := model.CampaignCounters{Total: len(recipients)}
	if campaign.Status == model.CampaignPaused {
		counters.Sent = campaign.TotalSent
		counters.Failed = campaign.TotalFailed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("campaign %d dispatcher panic: %v", campaignID, r)
		}
		if err != nil {
			s.fail(campaignID, counters, err)
			result = nil
		}
	}()

	if err := s.repos.Campaigns.UpdateCounters(ctx, campaignID, counters); err != nil {
		return nil, err
	}

	rate := campaign.RateLimit
	if rate <= 0 {
		rate = s.DefaultRate
	}
	limiter := ratelimit.New(rate, s.clock)

	attempted := 0
	for _, rc := range recipients {
		status, err := s.repos.Campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
		if status == model.CampaignPaused {
			log.Info("campaign paused", zap.Int("sent", counters.Sent), zap.Int("failed", counters.Failed))
			if err := s.repos.Campaigns.UpdateCounters(ctx, campaignID, counters); err != nil {
				return nil, err
			}
			s.fillResult(result, counters, model.CampaignPaused)
			metrics.CampaignRuns.WithLabelValues(string(model.CampaignPaused)).Inc()
			return result, nil
		}

		exists, err := s.repos.Messages.ExistsForCampaign(ctx, campaignID, rc.phone)
		if err != nil {
			return nil, err
		}
		if exists {
			result.Skipped++
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vars := model.Variables{}
		if rc.contact != nil {
			vars = rc.contact.TemplateVariables()
		}
		vars = MergeVariables(vars, campaign.Variables)

		id := campaignID
		msg, sendErr := s.outbound.Send(ctx, OutboundRequest{
			Phone:      rc.phone,
			Contact:    rc.contact,
			Channel:    channel,
			Template:   tpl,
			Variables:  vars,
			CampaignID: &id,
		})
		if sendErr != nil {
			if msg == nil {
				s.logUnrecorded(ctx, campaignID, rc.phone, sendErr)
			}
			counters.Failed++
			if len(result.ErrorSamples) < maxErrorSamples {
				result.ErrorSamples = append(result.ErrorSamples, model.RecipientError{Phone: rc.phone, Error: sendErr.Error()})
			}
		} else {
			counters.Sent++
		}

		attempted++
		if attempted%s.flushEvery == 0 {
			if err := s.repos.Campaigns.UpdateCounters(ctx, campaignID, counters); err != nil {
				return nil, err
			}
		}
	}

	if err := s.repos.Campaigns.UpdateCounters(ctx, campaignID, counters); err != nil {
		return nil, err
	}
	ok, err = s.repos.Campaigns.TransitionStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignRunning}, model.CampaignCompleted, s.clock.Now())
	if err != nil {
		return nil, err
	}
	final := model.CampaignCompleted
	if !ok {
		// paused between the last send and completion
		final, err = s.repos.Campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return nil, err
		}
	}
	s.fillResult(result, counters, final)
	metrics.CampaignRuns.WithLabelValues(string(final)).Inc()
	log.Info("campaign finished",
		zap.String("status", string(final)),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	if final == model.CampaignCompleted {
		s.logCompletion(ctx, campaign, channel, result)
	}
	return result, nil
}

func (s *CampaignService) fillResult(r *model.CampaignResult, c model.CampaignCounters, status model.CampaignStatus) {
	r.Status = status
	r.Sent = c.Sent
	r.Failed = c.Failed
}

// fail records an aborted run. It runs on a fresh context so a cancelled
// request still leaves the campaign FAILED instead of RUNNING.
func (s *CampaignService) fail(campaignID int64, counters model.CampaignCounters, cause error) {
	ctx := context.Background()
	s.log.Error("campaign aborted", zap.Int64("campaign_id", campaignID), zap.Error(cause))
	if err := s.repos.Campaigns.UpdateCounters(ctx, campaignID, counters); err != nil {
		s.log.Error("saving counters of aborted campaign", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
	if _, err := s.repos.Campaigns.TransitionStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignRunning}, model.CampaignFailed, s.clock.Now()); err != nil {
		s.log.Error("marking campaign failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
	metrics.CampaignRuns.WithLabelValues(string(model.CampaignFailed)).Inc()
}

// logUnrecorded keeps a trace of a failed recipient that has no message row.
func (s *CampaignService) logUnrecorded(ctx context.Context, campaignID int64, phone string, cause error) {
	msg := cause.Error()
	err := s.repos.EventLogs.Insert(ctx, &model.EventLog{
		Source:    "campaign",
		EventType: "campaign.send_error",
		Result:    model.ResultError,
		Payload:   model.Attributes{"campaign_id": campaignID, "phone": phone},
		Error:     &msg,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("writing campaign send error", zap.Int64("campaign_id", campaignID), zap.Error(err))
	}
}

func (s *CampaignService) logCompletion(ctx context.Context, c *model.Campaign, channel model.Channel, r *model.CampaignResult) {
	outcome := model.ResultSuccess
	if r.Failed > 0 {
		outcome = model.ResultPartial
	}
	samples := make([]any, 0, len(r.ErrorSamples))
	for _, e := range r.ErrorSamples {
		samples = append(samples, map[string]any{"phone": e.Phone, "error": e.Error})
	}
	err := s.repos.EventLogs.Insert(ctx, &model.EventLog{
		Source:    "campaign",
		EventType: "campaign.completed",
		Result:    outcome,
		Payload: model.Attributes{
			"campaign_id":  c.ID,
			"name":         c.Name,
			"channel":      string(channel),
			"total":        r.Total,
			"sent":         r.Sent,
			"failed":       r.Failed,
			"skipped":      r.Skipped,
			"errorSamples": samples,
		},
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.log.Warn("writing campaign event log", zap.Int64("campaign_id", c.ID), zap.Error(err))
	}
}

// resolveRecipients returns normalized, de-duplicated phones in filter order.
// Opted-out contacts are left out of WhatsApp campaigns.
func (s *CampaignService) resolveRecipients(ctx context.Context, f model.RecipientFilter, channel model.Channel) ([]recipient, error) {
	var contacts []*model.Contact
	var numbers []string
	var err error

	switch f.Type {
	case model.RecipientsAll, "":
		contacts, err = s.repos.Contacts.ListActive(ctx)
	case model.RecipientsProject:
		if f.ProjectID == nil {
			return nil, nil
		}
		contacts, err = s.repos.Contacts.ListActiveByProject(ctx, *f.ProjectID)
	case model.RecipientsContacts:
		if len(f.ContactIDs) == 0 {
			return nil, nil
		}
		contacts, err = s.repos.Contacts.ListByIDs(ctx, f.ContactIDs)
	case model.RecipientsManual:
		numbers = splitNumbers(f.Numbers)
	default:
		return nil, fmt.Errorf("unknown recipient filter type %q", f.Type)
	}
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []recipient
	add := func(raw string, c *model.Contact) {
		phone, err := NormalizePhone(raw, s.region)
		if err != nil {
			s.log.Warn("skipping invalid recipient", zap.String("phone", raw), zap.Error(err))
			return
		}
		if seen[phone] {
			return
		}
		seen[phone] = true
		out = append(out, recipient{phone: phone, contact: c})
	}

	for _, c := range contacts {
		if channel == model.ChannelWhatsApp && c.WhatsAppOptOut {
			continue
		}
		add(c.PreferredPhone(), c)
	}
	for _, n := range numbers {
		phone, err := NormalizePhone(n, s.region)
		if err != nil {
			s.log.Warn("skipping invalid recipient", zap.String("phone", n), zap.Error(err))
			continue
		}
		c, err := s.repos.Contacts.FindByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if c != nil && channel == model.ChannelWhatsApp && c.WhatsAppOptOut {
			continue
		}
		add(phone, c)
	}
	return out, nil
}

func splitNumbers(entries []string) []string {
	var out []string
	for _, e := range entries {
		for _, n := range strings.FieldsFunc(e, func(r rune) bool {
			return r == '\n' || r == ',' || r == ';'
		}) {
			if n = strings.TrimSpace(n); n != "" {
				out = append(out, n)
			}
		}
	}
	return out
}

// Pause asks a RUNNING campaign to stop before its next send.
func (s *CampaignService) Pause(ctx context.Context, campaignID int64) error {
	ok, err := s.repos.Campaigns.TransitionStatus(ctx, campaignID,
		[]model.CampaignStatus{model.CampaignRunning}, model.CampaignPaused, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		status, err := s.repos.Campaigns.GetStatus(ctx, campaignID)
		if err != nil {
			return err
		}
		return fmt.Errorf("campaign %d is %s: %w", campaignID, status, appErrors.ErrCampaignNotRunnable)
	}
	s.log.Info("campaign pause requested", zap.Int64("campaign_id", campaignID))
	return nil
}

// GetCampaignDetailsWithStats returns the campaign with per-status message counts.
func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int64) (*CampaignDetails, error) {
	campaign, err := s.repos.Campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repos.Messages.CountByStatusForCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	stats := map[string]int{"total": 0}
	for _, st := range []model.MessageStatus{
		model.StatusQueued, model.StatusSent, model.StatusDelivered, model.StatusRead, model.StatusFailed,
	} {
		stats[strings.ToLower(string(st))] = counts[st]
		stats["total"] += counts[st]
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}
