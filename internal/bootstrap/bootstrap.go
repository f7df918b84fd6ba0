// Package bootstrap assembles the repositories, gateways, bus and services
// shared by cmd/server and cmd/worker.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/config"
	"github.com/unclebandit/crm-messaging/internal/controller"
	"github.com/unclebandit/crm-messaging/internal/db"
	"github.com/unclebandit/crm-messaging/internal/gateway"
	"github.com/unclebandit/crm-messaging/internal/handler"
	"github.com/unclebandit/crm-messaging/internal/lock"
	"github.com/unclebandit/crm-messaging/internal/metrics"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/queue"
	"github.com/unclebandit/crm-messaging/internal/repository"
	"github.com/unclebandit/crm-messaging/internal/repository/memstore"
	"github.com/unclebandit/crm-messaging/internal/service"
	"github.com/unclebandit/crm-messaging/internal/webhook"
)

const redisLockTTL = 10 * time.Second

// Repos is one implementation of every repository interface.
type Repos struct {
	Contacts      repository.ContactRepositoryInterface
	Accounts      repository.AccountRepositoryInterface
	Conversations repository.ConversationRepositoryInterface
	Messages      repository.MessageRepositoryInterface
	Campaigns     repository.CampaignRepositoryInterface
	Templates     repository.TemplateRepositoryInterface
	Automation    repository.AutomationRepositoryInterface
	EventLogs     repository.EventLogRepositoryInterface
	Credentials   repository.CredentialRepositoryInterface
}

type App struct {
	Config *config.Config
	Log    *zap.Logger
	Clock  clock.Clock
	Repos  Repos
	Bus    queue.Bus
	// Memory is the backing store when DB_DRIVER=memory, otherwise nil.
	Memory *memstore.Store

	Tracker       *service.Tracker
	Conversations *service.ConversationService
	Outbound      *service.Outbound
	Balancer      *service.Balancer
	Campaigns     *service.CampaignService
	Automation    *service.AutomationService
	Leads         *service.LeadService
	Scheduler     *service.Scheduler
	Normalizer    *webhook.Normalizer
	Credentials   *gateway.CredentialStore

	closers []io.Closer
}

// New connects storage, locking, the event bus and the gateways selected by cfg.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Clock: clock.RealClock{}}

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openBus(); err != nil {
		a.Close()
		return nil, err
	}
	a.Credentials = &gateway.CredentialStore{Repo: a.Repos.Credentials, Clock: a.Clock, Log: log}
	gateways := a.gateways()

	r := a.Repos
	a.Tracker = service.NewTracker(r.Messages, r.Campaigns, a.Clock, cfg.PendingStatusTTL, log)
	a.Conversations = service.NewConversationService(r.Conversations, r.Messages, locker, a.Clock, log)
	a.Outbound = service.NewOutbound(a.Conversations, r.Messages, a.Tracker, gateways, a.Clock, cfg.GatewayTimeout, log)
	a.Balancer = service.NewBalancer(r.Accounts, log)
	a.Campaigns = service.NewCampaignService(service.CampaignRepos{
		Campaigns: r.Campaigns,
		Contacts:  r.Contacts,
		Templates: r.Templates,
		Messages:  r.Messages,
		EventLogs: r.EventLogs,
	}, a.Outbound, gateways, a.Clock, cfg.DefaultPhoneRegion, cfg.CounterFlushEvery, log)
	if cfg.DefaultRateLimit > 0 {
		a.Campaigns.DefaultRate = cfg.DefaultRateLimit
	}
	a.Automation = service.NewAutomationService(r.Automation, r.Contacts, r.Templates, a.Conversations,
		a.Outbound, a.Balancer, a.Clock, cfg.AutomationRunLease, cfg.SchedulerBatchSize, log)
	a.Leads = service.NewLeadService(r.Contacts, a.Balancer, a.Bus, a.Clock, cfg.DefaultPhoneRegion, log)
	a.Scheduler = service.NewScheduler(a.Automation, a.Tracker, cfg.SchedulerInterval, log)
	a.Normalizer = webhook.NewNormalizer(a.Conversations, a.Tracker, r.Messages, r.Contacts, r.EventLogs,
		a.Bus, a.Clock, cfg.DefaultPhoneRegion, log)
	return a, nil
}

func (a *App) openStorage(ctx context.Context) error {
	if a.Config.DBDriver == "memory" {
		a.Log.Warn("using in-memory storage, data is lost on restart")
		a.Memory = memstore.New()
		a.Repos = MemoryRepos(a.Memory)
		return nil
	}
	conn, err := db.Open(ctx, a.Config, a.Log)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, conn)
	a.Repos = Repos{
		Contacts:      &repository.ContactRepository{DB: conn},
		Accounts:      &repository.AccountRepository{DB: conn},
		Conversations: &repository.ConversationRepository{DB: conn},
		Messages:      &repository.MessageRepository{DB: conn},
		Campaigns:     &repository.CampaignRepository{DB: conn},
		Templates:     &repository.TemplateRepository{DB: conn},
		Automation:    &repository.AutomationRepository{DB: conn},
		EventLogs:     &repository.EventLogRepository{DB: conn},
		Credentials:   &repository.CredentialRepository{DB: conn},
	}
	return nil
}

// MemoryRepos exposes a memstore through the repository interfaces.
func MemoryRepos(s *memstore.Store) Repos {
	return Repos{
		Contacts:      s.Contacts(),
		Accounts:      s.Accounts(),
		Conversations: s.Conversations(),
		Messages:      s.Messages(),
		Campaigns:     s.Campaigns(),
		Templates:     s.Templates(),
		Automation:    s.Automation(),
		EventLogs:     s.EventLogs(),
		Credentials:   s.Credentials(),
	}
}

func (a *App) openLocker(ctx context.Context) (lock.Locker, error) {
	if !a.Config.RedisEnabled {
		return lock.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, client)
	a.Log.Info("redis locker enabled", zap.String("addr", a.Config.RedisAddr))
	return lock.NewRedisLocker(client, a.Config.RedisPrefix, redisLockTTL, a.Log), nil
}

func (a *App) openBus() error {
	if a.Config.EventBus != "amqp" {
		a.Bus = queue.NewInMemoryBus(a.Log)
		return nil
	}
	bus, err := queue.DialAMQP(a.Config.RabbitMQURL, a.Config.RabbitMQExchange, a.Config.RabbitMQQueue, a.Log)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	a.closers = append(a.closers, bus)
	a.Bus = bus
	return nil
}

func (a *App) gateways() gateway.Resolver {
	cfg := a.Config
	if cfg.GatewayDryRun {
		a.Log.Warn("gateway dry run enabled, nothing leaves the process")
		wa := gateway.NewMockSender(model.Provider(cfg.WhatsAppProvider))
		return gateway.NewRouter(wa, gateway.NewMockSender(model.ProviderAggregator))
	}

	creds := gateway.NewCredentialCache(gateway.ChainSource{
		gateway.RepositorySource{Repo: a.Repos.Credentials},
		gateway.EnvSource{Cfg: cfg},
	}, cfg.CredentialCacheTTL, a.Log)
	a.Credentials.Cache = creds

	aggregator := gateway.NewAggregatorClient(cfg.AggregatorBaseURL, cfg.GatewayTimeout, creds, a.Log)
	var whatsapp gateway.Sender = aggregator
	if cfg.WhatsAppProvider == string(model.ProviderCloudAPI) {
		whatsapp = gateway.NewCloudAPIClient(cfg.CloudAPIBaseURL, cfg.CloudAPIVersion, cfg.GatewayTimeout, creds, a.Log)
	}
	return gateway.NewRouter(whatsapp, aggregator)
}

// SubscribeAutomation feeds domain events from the bus into the automation runner.
func (a *App) SubscribeAutomation() error {
	for _, name := range []string{model.EventLeadCreated, model.EventMessageReceived} {
		if err := a.Bus.Subscribe(name, a.Automation.HandleEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return nil
}

// Router builds the HTTP API. Webhooks are public and signed; everything else needs the API key.
func (a *App) Router() http.Handler {
	cfg := a.Config
	webhooks := &handler.WebhookHandler{
		Normalizer:          a.Normalizer,
		Policy:              webhook.SignaturePolicy{Strict: cfg.StrictSignatures(), Log: a.Log},
		AggregatorToken:     cfg.AggregatorAuthToken,
		AggregatorURL:       cfg.AggregatorWebhookURL,
		CloudAPISecret:      cfg.CloudAPIAppSecret,
		CloudAPIVerifyToken: cfg.CloudAPIVerifyToken,
		Log:                 a.Log,
	}
	campaigns := &controller.CampaignController{CampaignService: a.Campaigns, Log: a.Log}
	leads := &controller.LeadController{LeadService: a.Leads}
	conversations := &controller.ConversationController{Conversations: a.Conversations}
	automation := &controller.AutomationController{Automation: a.Automation}
	credentials := &controller.CredentialController{Credentials: a.Credentials}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/aggregator", webhooks.AggregatorHandler)
		r.Post("/cloudapi", webhooks.CloudAPIHandler)
		r.Get("/cloudapi", webhooks.CloudAPIVerifyHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(controller.RequireAPIKey(cfg.APIKey))
		r.Get("/campaigns/{id}", campaigns.GetCampaignDetails)
		r.Post("/campaigns/{id}/execute", campaigns.ExecuteCampaign)
		r.Post("/campaigns/{id}/pause", campaigns.PauseCampaign)
		r.Post("/leads", leads.CreateLead)
		r.Post("/conversations/{id}/close", conversations.CloseConversation)
		r.Post("/automation/runs/{id}/cancel", automation.CancelRun)
		r.Put("/credentials/{provider}", credentials.RotateCredential)
	})
	return r
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
