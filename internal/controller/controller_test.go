package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/controller"
	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/lock"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository/memstore"
	"github.com/unclebandit/crm-messaging/internal/service"
)

const apiKey = "k3y"

type api struct {
	router http.Handler
	store  *memstore.Store
	sender *gateway.MockSender
	conv   *service.ConversationService
	creds  *gateway.CredentialCache
}

func newAPI(t *testing.T) *api {
	t.Helper()
	log := zap.NewNop()
	store := memstore.New()
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	sender := gateway.NewMockSender(model.ProviderCloudAPI)
	resolver := gateway.Single(sender)

	tracker := service.NewTracker(store.Messages(), store.Campaigns(), clk, time.Minute, log)
	conversations := service.NewConversationService(store.Conversations(), store.Messages(), lock.NewLocalLocker(), clk, log)
	outbound := service.NewOutbound(conversations, store.Messages(), tracker, resolver, clk, time.Second, log)
	balancer := service.NewBalancer(store.Accounts(), log)
	campaigns := service.NewCampaignService(service.CampaignRepos{
		Campaigns: store.Campaigns(),
		Contacts:  store.Contacts(),
		Templates: store.Templates(),
		Messages:  store.Messages(),
		EventLogs: store.EventLogs(),
	}, outbound, resolver, clk, "PE", 10, log)
	automation := service.NewAutomationService(store.Automation(), store.Contacts(), store.Templates(),
		conversations, outbound, balancer, clk, time.Minute, 10, log)
	leads := service.NewLeadService(store.Contacts(), balancer, queue.NewInMemoryBus(log), clk, "PE", log)

	cc := &controller.CampaignController{CampaignService: campaigns, Log: log}
	lc := &controller.LeadController{LeadService: leads}
	vc := &controller.ConversationController{Conversations: conversations}
	ac := &controller.AutomationController{Automation: automation}
	creds := gateway.NewCredentialCache(gateway.RepositorySource{Repo: store.Credentials()}, time.Hour, log)
	kc := &controller.CredentialController{Credentials: &gateway.CredentialStore{
		Repo:  store.Credentials(),
		Cache: creds,
		Clock: clk,
		Log:   log,
	}}

	r := chi.NewRouter()
	r.Use(controller.RequireAPIKey(apiKey))
	r.Get("/campaigns/{id}", cc.GetCampaignDetails)
	r.Post("/campaigns/{id}/execute", cc.ExecuteCampaign)
	r.Post("/campaigns/{id}/pause", cc.PauseCampaign)
	r.Post("/leads", lc.CreateLead)
	r.Post("/conversations/{id}/close", vc.CloseConversation)
	r.Post("/automation/runs/{id}/cancel", ac.CancelRun)
	r.Put("/credentials/{provider}", kc.RotateCredential)

	return &api{router: r, store: store, sender: sender, conv: conversations, creds: creds}
}

func (a *api) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestRequireAPIKey(t *testing.T) {
	a := newAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/campaigns/1", nil)
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAPIKeyDisabledWhenEmpty(t *testing.T) {
	h := controller.RequireAPIKey("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestInvalidIDIsBadRequest(t *testing.T) {
	a := newAPI(t)
	w := a.do(t, http.MethodGet, "/campaigns/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
