package controlplane

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/recowave/recowave/pkg/orchestrator"
)

// Provider builds control-plane clients per account and region. It
// implements orchestrator.CredentialProvider. Endpoints may contain a
// "{region}" placeholder substituted at client creation.
type Provider struct {
	defaults Config
	accounts map[string]Config
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Client
}

// NewProvider creates a provider with a default endpoint config and
// optional per-account overrides keyed by account id.
func NewProvider(defaults Config, accounts map[string]Config, logger zerolog.Logger) (*Provider, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	for id, cfg := range accounts {
		if err := cfg.Validate(); err != nil {
			return nil, orchestrator.NewValidationError("invalid config for account " + id + ": " + err.Error())
		}
	}
	return &Provider{
		defaults: defaults,
		accounts: accounts,
		logger:   logger,
		cache:    make(map[string]*Client),
	}, nil
}

// ClientFor returns a client for the given account and region. A nil
// account uses the default configuration.
func (p *Provider) ClientFor(_ context.Context, account *orchestrator.AccountContext, region string) (orchestrator.ControlPlaneClient, error) {
	cfg := p.defaults
	accountID := ""
	if account != nil && account.AccountID != "" {
		accountID = account.AccountID
		override, ok := p.accounts[accountID]
		if !ok {
			return nil, orchestrator.NewValidationError("no control-plane config for account " + accountID)
		}
		cfg = override
	}
	cfg.Endpoint = strings.ReplaceAll(cfg.Endpoint, "{region}", region)

	key := accountID + "|" + cfg.Endpoint
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.cache[key]; ok {
		return client, nil
	}
	client, err := NewClient(cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.cache[key] = client
	return client, nil
}
