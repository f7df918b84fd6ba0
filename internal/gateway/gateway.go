// Package gateway talks to the outbound message providers.
package gateway

import (
	"context"
	"sort"
	"strconv"

	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
)

// SendRequest is a provider-agnostic outbound message.
type SendRequest struct {
	Channel model.Channel
	To      string
	Kind    model.MessageKind
	Body    string
	// ProviderTemplate names the pre-approved template for TEMPLATE sends.
	ProviderTemplate string
	Language         string
	Variables        model.Variables
}

// SendResult is the provider's acknowledgement.
type SendResult struct {
	ExternalID string
	Status     model.MessageStatus
}

type Sender interface {
	Provider() model.Provider
	// Ready fails with ErrGatewayNotConfigured when credentials or sender numbers are missing.
	Ready(ctx context.Context) error
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// Resolver picks the sender for a channel.
type Resolver interface {
	For(channel model.Channel) (Sender, error)
}

type Router struct {
	senders map[model.Channel]Sender
}

func NewRouter(whatsapp, sms Sender) *Router {
	r := &Router{senders: map[model.Channel]Sender{}}
	if whatsapp != nil {
		r.senders[model.ChannelWhatsApp] = whatsapp
	}
	if sms != nil {
		r.senders[model.ChannelSMS] = sms
	}
	return r
}

// Single routes every channel to s.
func Single(s Sender) *Router {
	return NewRouter(s, s)
}

func (r *Router) For(channel model.Channel) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, appErrors.ErrGatewayNotConfigured
	}
	return s, nil
}

// positionalParams returns the values of numeric keys "1", "2", ... in order.
func positionalParams(vars model.Variables) []string {
	type kv struct {
		n int
		v string
	}
	var items []kv
	for k, v := range vars {
		if n, err := strconv.Atoi(k); err == nil && n > 0 {
			items = append(items, kv{n, v})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].n < items[j].n })
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.v
	}
	return out
}

func temporaryStatus(code int) bool {
	return code == 429 || code >= 500
}
