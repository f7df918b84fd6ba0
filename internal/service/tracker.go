package service

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

// UpdateOutcome says what ApplyStatusUpdate did with a status report.
type UpdateOutcome string

const (
	OutcomeApplied   UpdateOutcome = "applied"
	OutcomeDuplicate UpdateOutcome = "duplicate"
	OutcomeConflict  UpdateOutcome = "conflict"
	OutcomePending   UpdateOutcome = "pending"
)

// StatusUpdate is a provider delivery report keyed by external id.
type StatusUpdate struct {
	Provider   model.Provider
	ExternalID string
	Status     model.MessageStatus
	Error      *model.ErrorInfo
	At         time.Time
}

const maxStatusCASAttempts = 5

// Tracker owns the delivery state machine of outbound messages.
//
// Status reports can arrive before the send acknowledgement has stored the
// external id. Those reports wait in a TTL buffer keyed by provider and
// external id, and are replayed when the acknowledgement lands or on the
// next scheduler tick. Expired entries are dropped with a warning.
type Tracker struct {
	messages  repository.MessageRepositoryInterface
	campaigns repository.CampaignRepositoryInterface
	clock     clock.Clock
	log       *zap.Logger

	mu      sync.Mutex
	pending *cache.Cache
}

func NewTracker(
	messages repository.MessageRepositoryInterface,
	campaigns repository.CampaignRepositoryInterface,
	clk clock.Clock,
	pendingTTL time.Duration,
	log *zap.Logger,
) *Tracker {
	t := &Tracker{
		messages:  messages,
		campaigns: campaigns,
		clock:     clk,
		log:       log.Named("tracker"),
		pending:   cache.New(pendingTTL, pendingTTL/2+time.Second),
	}
	t.pending.OnEvicted(t.onEvicted)
	return t
}

func pendingKey(provider model.Provider, externalID string) string {
	return string(provider) + ":" + externalID
}

// onEvicted runs for expiry and for explicit deletes; drained entries are
// replaced by an empty slice before deletion so only expiries warn.
func (t *Tracker) onEvicted(key string, v any) {
	updates, _ := v.([]StatusUpdate)
	if len(updates) == 0 {
		return
	}
	for _, u := range updates {
		t.log.Warn("dropping status update for unknown message",
			zap.String("provider", string(u.Provider)),
			zap.String("external_id", u.ExternalID),
			zap.String("status", string(u.Status)),
		)
		metrics.StatusUpdates.WithLabelValues("dropped").Inc()
	}
}

func (t *Tracker) buffer(u StatusUpdate) {
	key := pendingKey(u.Provider, u.ExternalID)
	t.mu.Lock()
	defer t.mu.Unlock()
	var updates []StatusUpdate
	if v, ok := t.pending.Get(key); ok {
		updates = v.([]StatusUpdate)
	}
	t.pending.Set(key, append(updates, u), cache.DefaultExpiration)
	metrics.PendingStatusBuffer.Set(float64(t.pending.ItemCount()))
}

func (t *Tracker) take(key string) []StatusUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.pending.Get(key)
	if !ok {
		return nil
	}
	t.pending.Set(key, []StatusUpdate(nil), cache.DefaultExpiration)
	t.pending.Delete(key)
	metrics.PendingStatusBuffer.Set(float64(t.pending.ItemCount()))
	return v.([]StatusUpdate)
}

// PendingCount is the number of external ids with buffered updates.
func (t *Tracker) PendingCount() int {
	return t.pending.ItemCount()
}

// RecordSendAccepted stores the provider's external id on a QUEUED message,
// moves it to SENT and replays any status reports that beat the acknowledgement.
func (t *Tracker) RecordSendAccepted(ctx context.Context, messageID int64, provider model.Provider, externalID string) error {
	if err := t.messages.MarkAccepted(ctx, messageID, externalID, t.clock.Now()); err != nil {
		return err
	}
	for _, u := range t.take(pendingKey(provider, externalID)) {
		if _, err := t.ApplyStatusUpdate(ctx, u); err != nil {
			t.log.Error("replaying buffered status failed",
				zap.String("external_id", externalID), zap.Error(err))
		}
	}
	return nil
}

// RecordSendFailed marks a QUEUED message FAILED with the send error.
func (t *Tracker) RecordSendFailed(ctx context.Context, messageID int64, sendErr error) error {
	info := &model.ErrorInfo{Code: appErrors.ErrorCode(sendErr), Message: sendErr.Error()}
	ok, err := t.messages.UpdateStatus(ctx, messageID, model.StatusChange{
		From:  model.StatusQueued,
		To:    model.StatusFailed,
		At:    t.clock.Now(),
		Error: info,
	})
	if err != nil {
		return err
	}
	if !ok {
		t.log.Warn("send failure on a message that already left QUEUED", zap.Int64("message_id", messageID))
	}
	return nil
}

// ApplyStatusUpdate moves the message forward in the delivery state machine.
// Backward or repeated reports are no-ops; reports for unknown external ids are buffered.
func (t *Tracker) ApplyStatusUpdate(ctx context.Context, u StatusUpdate) (UpdateOutcome, error) {
	if u.At.IsZero() {
		u.At = t.clock.Now()
	}
	msg, err := t.messages.FindByExternalID(ctx, u.Provider, u.ExternalID)
	if err != nil {
		return "", err
	}
	if msg == nil {
		t.log.Warn("status for unknown external id, buffering",
			zap.String("provider", string(u.Provider)),
			zap.String("external_id", u.ExternalID),
			zap.String("status", string(u.Status)),
		)
		t.buffer(u)
		metrics.StatusUpdates.WithLabelValues(string(OutcomePending)).Inc()
		return OutcomePending, nil
	}

	outcome, err := t.apply(ctx, msg, u)
	if err == nil {
		metrics.StatusUpdates.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (t *Tracker) apply(ctx context.Context, msg *model.Message, u StatusUpdate) (UpdateOutcome, error) {
	for attempt := 0; attempt < maxStatusCASAttempts; attempt++ {
		if msg.Status == u.Status {
			return OutcomeDuplicate, nil
		}
		if !model.CanTransition(msg.Status, u.Status) {
			t.log.Info("ignoring backward status transition",
				zap.Int64("message_id", msg.ID),
				zap.String("external_id", u.ExternalID),
				zap.String("from", string(msg.Status)),
				zap.String("to", string(u.Status)),
			)
			return OutcomeConflict, nil
		}

		change := model.StatusChange{From: msg.Status, To: u.Status, At: u.At}
		if u.Status == model.StatusFailed {
			change.Error = u.Error
			if change.Error == nil {
				change.Error = &model.ErrorInfo{Message: "provider reported failure"}
			}
		}
		ok, err := t.messages.UpdateStatus(ctx, msg.ID, change)
		if err != nil {
			return "", err
		}
		if ok {
			t.bumpCampaign(ctx, msg, u.Status)
			return OutcomeApplied, nil
		}

		// lost the race with a concurrent report; re-read and re-check
		msg, err = t.messages.GetByID(ctx, msg.ID)
		if err != nil {
			return "", err
		}
	}
	return "", appErrors.ErrStaleState
}

func (t *Tracker) bumpCampaign(ctx context.Context, msg *model.Message, status model.MessageStatus) {
	if msg.CampaignID == nil {
		return
	}
	var column string
	switch status {
	case model.StatusDelivered:
		column = model.CounterDelivered
	case model.StatusRead:
		column = model.CounterRead
	default:
		return
	}
	if err := t.campaigns.IncrementCounter(ctx, *msg.CampaignID, column); err != nil {
		t.log.Error("campaign counter update failed",
			zap.Int64("campaign_id", *msg.CampaignID), zap.String("counter", column), zap.Error(err))
	}
}

// RetryPending replays buffered reports whose message has since been acknowledged.
func (t *Tracker) RetryPending(ctx context.Context) int {
	replayed := 0
	for key, item := range t.pending.Items() {
		updates, _ := item.Object.([]StatusUpdate)
		if len(updates) == 0 {
			continue
		}
		msg, err := t.messages.FindByExternalID(ctx, updates[0].Provider, updates[0].ExternalID)
		if err != nil || msg == nil {
			continue
		}
		for _, u := range t.take(key) {
			if _, err := t.ApplyStatusUpdate(ctx, u); err != nil {
				t.log.Error("replaying buffered status failed", zap.String("external_id", u.ExternalID), zap.Error(err))
				continue
			}
			replayed++
		}
	}
	return replayed
}
