package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/clock"
	"github.com/unclebandit/crm-messaging/internal/config"
	appErrors "github.com/unclebandit/crm-messaging/internal/errors"
	"github.com/unclebandit/crm-messaging/internal/model"
	"github.com/unclebandit/crm-messaging/internal/repository"
)

// CredentialSource loads provider credentials; nil means none configured.
type CredentialSource interface {
	Load(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error)
}

// RepositorySource reads credentials managed from the CRM settings screen.
type RepositorySource struct {
	Repo repository.CredentialRepositoryInterface
}

func (s RepositorySource) Load(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	return s.Repo.GetActive(ctx, provider)
}

// EnvSource serves credentials from process configuration.
type EnvSource struct {
	Cfg *config.Config
}

func (s EnvSource) Load(_ context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	var c model.ChannelCredential
	switch provider {
	case model.ProviderCloudAPI:
		c = model.ChannelCredential{
			Provider:  provider,
			AccountID: s.Cfg.CloudAPIPhoneNumberID,
			AuthToken: s.Cfg.CloudAPIAccessToken,
		}
	case model.ProviderAggregator:
		c = model.ChannelCredential{
			Provider:     provider,
			AccountID:    s.Cfg.AggregatorAccountSID,
			AuthToken:    s.Cfg.AggregatorAuthToken,
			SenderNumber: s.Cfg.AggregatorWhatsAppFrom,
			SMSNumber:    s.Cfg.AggregatorSMSFrom,
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if !c.Complete() {
		return nil, nil
	}
	c.Active = true
	return &c, nil
}

// ChainSource returns the first credential any source yields.
type ChainSource []CredentialSource

func (c ChainSource) Load(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	for _, src := range c {
		cred, err := src.Load(ctx, provider)
		if err != nil {
			return nil, err
		}
		if cred.Complete() {
			return cred, nil
		}
	}
	return nil, nil
}

// CredentialCache holds loaded credentials for a short TTL. Rotation calls Invalidate.
type CredentialCache struct {
	cache  *cache.Cache
	source CredentialSource
	log    *zap.Logger
}

func NewCredentialCache(source CredentialSource, ttl time.Duration, log *zap.Logger) *CredentialCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CredentialCache{
		cache:  cache.New(ttl, 2*ttl),
		source: source,
		log:    log,
	}
}

func (c *CredentialCache) Get(ctx context.Context, provider model.Provider) (*model.ChannelCredential, error) {
	if v, found := c.cache.Get(string(provider)); found {
		return v.(*model.ChannelCredential), nil
	}
	cred, err := c.source.Load(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("load %s credentials: %w", provider, err)
	}
	if cred == nil {
		return nil, nil
	}
	c.cache.SetDefault(string(provider), cred)
	c.log.Debug("credentials cached", zap.String("provider", string(provider)))
	return cred, nil
}

func (c *CredentialCache) Invalidate(provider model.Provider) {
	c.cache.Delete(string(provider))
	c.log.Info("credentials invalidated", zap.String("provider", string(provider)))
}

// CredentialStore writes credentials managed from the CRM settings screen.
// Cache is nil when no gateway reads credentials, as in dry-run mode.
type CredentialStore struct {
	Repo  repository.CredentialRepositoryInterface
	Cache *CredentialCache
	Clock clock.Clock
	Log   *zap.Logger
}

// Rotate saves cred as the provider's active credential and drops the cached
// copy so the next send loads it. Other processes pick it up when their TTL expires.
func (s *CredentialStore) Rotate(ctx context.Context, cred *model.ChannelCredential) error {
	switch cred.Provider {
	case model.ProviderCloudAPI, model.ProviderAggregator:
	default:
		return fmt.Errorf("%w: unknown provider %q", appErrors.ErrInvalidCredential, cred.Provider)
	}
	if !cred.Complete() {
		return fmt.Errorf("%w: account_id and auth_token are required", appErrors.ErrInvalidCredential)
	}
	cred.Active = true
	cred.UpdatedAt = s.Clock.Now()
	if err := s.Repo.Save(ctx, cred); err != nil {
		return fmt.Errorf("save %s credentials: %w", cred.Provider, err)
	}
	if s.Cache != nil {
		s.Cache.Invalidate(cred.Provider)
	}
	s.Log.Info("credentials rotated",
		zap.String("provider", string(cred.Provider)),
		zap.String("account_id", cred.AccountID),
	)
	return nil
}
