// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/webhook"
)

const (
	maxWebhookBody = 1 << 20
	// maxLoggedBody caps the raw body kept in the event log for unparseable callbacks.
	maxLoggedBody = 4 << 10
)

// WebhookHandler receives provider callbacks. Providers retry on anything but
// 2xx, so every outcome except a bad signature is acknowledged with 200.
type WebhookHandler struct {
	Normalizer *webhook.Normalizer
	Policy     webhook.SignaturePolicy

	AggregatorToken string
	// AggregatorURL overrides the URL used for signature checks when a proxy rewrites it.
	AggregatorURL string

	CloudAPISecret      string
	CloudAPIVerifyToken string

	Log *zap.Logger
}

// AggregatorHandler handles the form-encoded callback of the aggregator.
func (h *WebhookHandler) AggregatorHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		h.Log.Warn("unreadable aggregator callback", zap.Error(err))
		h.fail(w, r, model.ProviderAggregator, err, nil)
		return
	}

	header := r.Header.Get(webhook.AggregatorSignatureHeader)
	expected := ""
	if h.AggregatorToken != "" && header != "" {
		expected = webhook.AggregatorSignature(h.AggregatorToken, h.callbackURL(r), r.PostForm)
	}
	if err := h.Policy.Check(string(model.ProviderAggregator), h.AggregatorToken, header, expected); err != nil {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	payload := model.Attributes{}
	for k := range r.PostForm {
		payload[k] = r.PostForm.Get(k)
	}

	envs, ignored, err := webhook.ParseAggregator(r.PostForm)
	if err != nil {
		h.Log.Warn("aggregator callback rejected", zap.Error(err))
		h.fail(w, r, model.ProviderAggregator, err, payload)
		return
	}
	sum := h.Normalizer.Process(context.WithoutCancel(r.Context()), model.ProviderAggregator, envs, ignored, payload)
	ack(w, &sum)
}

// CloudAPIHandler handles the JSON callback of the Cloud API.
func (h *WebhookHandler) CloudAPIHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.Log.Warn("unreadable cloud api callback", zap.Error(err))
		h.fail(w, r, model.ProviderCloudAPI, err, rawPayload(body))
		return
	}

	header := r.Header.Get(webhook.CloudAPISignatureHeader)
	expected := ""
	if h.CloudAPISecret != "" {
		expected = webhook.CloudAPISignature(h.CloudAPISecret, body)
	}
	if err := h.Policy.Check(string(model.ProviderCloudAPI), h.CloudAPISecret, header, expected); err != nil {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	envs, ignored, err := webhook.ParseCloudAPI(body)
	if err != nil {
		h.Log.Warn("cloud api callback rejected", zap.Error(err))
		h.fail(w, r, model.ProviderCloudAPI, err, rawPayload(body))
		return
	}

	var payload model.Attributes
	_ = json.Unmarshal(body, &payload)

	sum := h.Normalizer.Process(context.WithoutCancel(r.Context()), model.ProviderCloudAPI, envs, ignored, payload)
	ack(w, &sum)
}

// CloudAPIVerifyHandler answers the subscription handshake by echoing hub.challenge.
func (h *WebhookHandler) CloudAPIVerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.CloudAPIVerifyToken == "" || q.Get("hub.verify_token") != h.CloudAPIVerifyToken {
		h.Log.Warn("cloud api verification failed", zap.String("mode", q.Get("hub.mode")))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

func (h *WebhookHandler) callbackURL(r *http.Request) string {
	if h.AggregatorURL != "" {
		return h.AggregatorURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// fail logs a callback that never reached the normalizer and still acknowledges it.
func (h *WebhookHandler) fail(w http.ResponseWriter, r *http.Request, provider model.Provider, cause error, payload model.Attributes) {
	sum := h.Normalizer.LogFailure(context.WithoutCancel(r.Context()), provider, cause, payload)
	ack(w, &sum)
}

func rawPayload(body []byte) model.Attributes {
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}
	return model.Attributes{"raw": string(body)}
}

func ack(w http.ResponseWriter, sum *webhook.Summary) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{"received": true}
	if sum != nil {
		resp["request_id"] = sum.RequestID
	}
	_ = json.NewEncoder(w).Encode(resp)
}

