// Package importer builds the per-integration module registry the worker
// layer resolves against: one httpx-backed provider client and registry per
// (provider, integration), cached so a client's in-memory access token
// survives across ticks instead of being rebuilt, and re-authenticating,
// every sync.
package importer

import (
	"context"
	"fmt"
	"sync"

	"github.com/syncdplatform/syncd/internal/adapters/httpx"
	"github.com/syncdplatform/syncd/internal/adapters/providers/netsuite"
	"github.com/syncdplatform/syncd/internal/adapters/providers/toast"
	"github.com/syncdplatform/syncd/internal/adapters/providers/tokenrefresh"
	"github.com/syncdplatform/syncd/internal/adapters/providers/xero"
	"github.com/syncdplatform/syncd/internal/application/common"
	"github.com/syncdplatform/syncd/internal/domain/syncdomain"
	"github.com/syncdplatform/syncd/internal/importer/netsuiteimport"
	"github.com/syncdplatform/syncd/internal/importer/registry"
	"github.com/syncdplatform/syncd/internal/importer/toastimport"
	"github.com/syncdplatform/syncd/internal/importer/xeroimport"
	"github.com/syncdplatform/syncd/internal/infrastructure/config"
)

// WarehouseSink is the common shape xeroimport, netsuiteimport and
// toastimport all write extracted rows through.
type WarehouseSink interface {
	xeroimport.Sink
	netsuiteimport.Sink
	toastimport.Sink
}

// tokenRefresher is implemented by every provider client; it lets the
// refresh_provider_tokens housekeeping job rotate a token proactively
// instead of waiting for a 401 mid-import to trigger it.
type tokenRefresher interface {
	EnsureValidToken(ctx context.Context) error
}

type integrationClients struct {
	registry *registry.Registry
	client   tokenRefresher
}

// Factory lazily builds and caches one registry.Registry per integration.
type Factory struct {
	cfg       *config.ProviderConfig
	tokenMgr  *tokenrefresh.Manager
	warehouse WarehouseSink
	cursors   common.ImportCursorStore

	mu    sync.Mutex
	cache map[string]*integrationClients
}

// NewFactory builds a Factory.
func NewFactory(cfg *config.ProviderConfig, tokenMgr *tokenrefresh.Manager, warehouse WarehouseSink, cursors common.ImportCursorStore) *Factory {
	return &Factory{cfg: cfg, tokenMgr: tokenMgr, warehouse: warehouse, cursors: cursors, cache: make(map[string]*integrationClients)}
}

// For returns the module registry for integration, building and caching the
// provider client the first time it is requested.
func (f *Factory) For(integration *syncdomain.Integration) (*registry.Registry, error) {
	entry, err := f.entryFor(integration)
	if err != nil {
		return nil, err
	}
	return entry.registry, nil
}

// EnsureValidToken proactively refreshes integration's provider token,
// building and caching the client first if this is the first time it has
// been touched.
func (f *Factory) EnsureValidToken(ctx context.Context, integration *syncdomain.Integration) error {
	entry, err := f.entryFor(integration)
	if err != nil {
		return err
	}
	return entry.client.EnsureValidToken(ctx)
}

func (f *Factory) entryFor(integration *syncdomain.Integration) (*integrationClients, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if entry, ok := f.cache[integration.ID]; ok {
		return entry, nil
	}

	reg := registry.New()
	var client tokenRefresher
	switch integration.Provider {
	case syncdomain.ProviderXero:
		xeroClient := xero.NewClient(f.newHTTPClient(f.cfg.Xero), f.tokenMgr, xero.Config{
			IntegrationID: integration.ID,
			ClientID:      integration.Settings["client_id"],
			ClientSecret:  integration.Settings["client_secret"],
			TenantID:      integration.Settings["tenant_id"],
			AccessToken:   integration.Settings["access_token"],
			RefreshToken:  integration.Settings["refresh_token"],
		})
		xeroimport.Register(reg, xeroimport.New(xeroClient, f.warehouse, f.cursors))
		client = xeroClient

	case syncdomain.ProviderNetSuite:
		httpClient := f.newHTTPClient(f.cfg.NetSuite)
		if accountURL := integration.Settings["account_id"]; accountURL != "" {
			httpClient.BaseURL = fmt.Sprintf("https://%s.suitetalk.api.netsuite.com", accountURL)
		}
		nsClient := netsuite.NewClient(httpClient, f.tokenMgr, netsuite.Config{
			IntegrationID: integration.ID,
			AccountID:     integration.Settings["account_id"],
			ConsumerKey:   integration.Settings["consumer_key"],
			TokenID:       integration.Settings["token_id"],
			TokenSecret:   integration.Settings["token_secret"],
		})
		netsuiteimport.Register(reg, netsuiteimport.New(nsClient, f.warehouse, f.cursors))
		client = nsClient

	case syncdomain.ProviderToast:
		toastClient := toast.NewClient(f.newHTTPClient(f.cfg.Toast), f.tokenMgr, toast.Config{
			IntegrationID: integration.ID,
			RestaurantID:  integration.Settings["restaurant_id"],
			ClientID:      integration.Settings["client_id"],
			ClientSecret:  integration.Settings["client_secret"],
		})
		toastimport.Register(reg, toastimport.New(toastClient, f.warehouse, f.cursors))
		client = toastClient

	default:
		return nil, fmt.Errorf("unsupported provider %q", integration.Provider)
	}

	entry := &integrationClients{registry: reg, client: client}
	f.cache[integration.ID] = entry
	return entry, nil
}

func (f *Factory) newHTTPClient(cfg config.SingleProviderConfig) *httpx.Client {
	return httpx.New(httpx.Config{
		BaseURL:            cfg.BaseURL,
		Timeout:            cfg.Timeout,
		RateLimitPerSecond: cfg.RateLimit.Requests,
		RateLimitBurst:     cfg.RateLimit.Burst,
		MaxRetries:         cfg.Retry.MaxAttempts,
		BackoffBase:        cfg.Retry.BackoffBase,
		CircuitMaxFailures: cfg.CircuitBreaker.MaxFailures,
		CircuitTimeout:     cfg.CircuitBreaker.Timeout,
	})
}
