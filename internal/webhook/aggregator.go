package webhook

import (
	"errors"
	"net/url"
	"strings"

	"github.com/unclebandit/crm-messaging/internal/model"
)

var errMissingMessageID = errors.New("callback without message id")

// aggregatorStatuses maps the aggregator's lowercase statuses. Inbound
// callbacks carry "received", which is not a delivery state.
var aggregatorStatuses = map[string]model.MessageStatus{
	"queued":      model.StatusQueued,
	"accepted":    model.StatusQueued,
	"sending":     model.StatusQueued,
	"sent":        model.StatusSent,
	"delivered":   model.StatusDelivered,
	"undelivered": model.StatusFailed,
	"failed":      model.StatusFailed,
	"read":        model.StatusRead,
}

// ParseAggregator reads a form-encoded callback. A callback with both a body
// and a status yields an inbound envelope followed by a status envelope.
// Unknown statuses are returned in ignored.
func ParseAggregator(form url.Values) (envs []Envelope, ignored []string, err error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}
	if sid == "" {
		return nil, nil, errMissingMessageID
	}

	from := form.Get("From")
	channel := model.ChannelSMS
	if strings.HasPrefix(from, "whatsapp:") || strings.HasPrefix(form.Get("To"), "whatsapp:") {
		channel = model.ChannelWhatsApp
	}

	if body := form.Get("Body"); body != "" {
		envs = append(envs, Envelope{
			Kind:       KindInbound,
			Provider:   model.ProviderAggregator,
			Channel:    channel,
			ExternalID: sid,
			Phone:      strings.TrimPrefix(from, "whatsapp:"),
			Body:       body,
		})
	}

	raw := form.Get("MessageStatus")
	if raw == "" {
		raw = form.Get("SmsStatus")
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "received" {
		return envs, nil, nil
	}
	status, ok := aggregatorStatuses[raw]
	if !ok {
		return envs, []string{raw}, nil
	}

	env := Envelope{
		Kind:       KindStatus,
		Provider:   model.ProviderAggregator,
		Channel:    channel,
		ExternalID: sid,
		Phone:      strings.TrimPrefix(form.Get("To"), "whatsapp:"),
		Status:     status,
	}
	if status == model.StatusFailed {
		msg := form.Get("ErrorMessage")
		if msg == "" {
			msg = "unknown error"
		}
		env.Error = &model.ErrorInfo{Code: form.Get("ErrorCode"), Message: msg}
	}
	return append(envs, env), nil, nil
}
