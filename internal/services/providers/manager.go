package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when a model names a provider that has no
// registered adapter.
var ErrNotConfigured = errors.New("provider not configured")

// Manager holds the configured adapters keyed by provider name. Catalog
// rows name their provider, so dispatch looks adapters up by that name.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	logger    *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		logger:    logger,
	}
}

// Load instantiates adapters for every enabled entry. Entries without an
// API key are skipped rather than failing startup, so the gateway can come
// up before every vendor is configured.
func (m *Manager) Load(configs map[string]ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, cfg := range configs {
		if !cfg.Enabled {
			m.logger.Debug("Skipping disabled provider", zap.String("provider", name))
			continue
		}
		if cfg.APIKey == "" {
			m.logger.Debug("Skipping provider without API key", zap.String("provider", name))
			continue
		}

		provider, err := m.createProvider(name, cfg)
		if err != nil {
			m.logger.Error("Failed to create provider",
				zap.String("provider", name),
				zap.Error(err))
			continue
		}

		m.providers[name] = provider
		m.logger.Info("Loaded provider",
			zap.String("provider", name),
			zap.String("type", cfg.Type))
	}

	if len(m.providers) == 0 {
		m.logger.Warn("No providers loaded, inference routes will fail until one is configured")
	}
	return nil
}

func (m *Manager) createProvider(name string, cfg ProviderConfig) (Provider, error) {
	providerType := cfg.Type
	if providerType == "" {
		providerType = name
	}

	switch providerType {
	case "openai":
		return NewOpenAIProvider(name, cfg, m.logger)
	case "anthropic":
		return NewAnthropicProvider(name, cfg, m.logger)
	case "google":
		return NewGoogleProvider(name, cfg, m.logger)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", providerType)
	}
}

// Get returns the adapter registered under name.
func (m *Manager) Get(name string) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	provider, exists := m.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	return provider, nil
}

// Register adds or replaces an adapter directly.
func (m *Manager) Register(name string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[name] = provider
}

// Names lists the registered providers in stable order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck probes every adapter and returns the per-provider result;
// a nil entry means the upstream answered.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	m.mu.RLock()
	providers := make(map[string]Provider, len(m.providers))
	for name, provider := range m.providers {
		providers[name] = provider
	}
	m.mu.RUnlock()

	results := make(map[string]error, len(providers))
	for name, provider := range providers {
		results[name] = provider.HealthCheck(ctx)
	}
	return results
}
