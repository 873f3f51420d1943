package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

// Constructor creates a model client from a config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) domain.ModelClient

// Factory creates and caches model clients from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.ModelClient
	mu           sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.ModelClient),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a client constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

func (f *Factory) registerDefaults() {
	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.ModelClient {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.ModelClient {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the client with the given name, or the default if name is
// empty. Clients are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.ModelClient, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-check under write lock.
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]

	var client domain.ModelClient
	if found {
		client = ctor(pc, f.logger)
	} else if pc.APIBase != "" {
		// Unknown providers with an API base are treated as
		// OpenAI-compatible.
		client = NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: f.logger})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no apiBase configured", name)
	}

	f.cache[name] = client
	return client, nil
}

// Default returns the configured default client.
func (f *Factory) Default() (domain.ModelClient, error) {
	return f.Get("")
}

// HealthyClient returns the first client that passes a health check, or nil.
func (f *Factory) HealthyClient(ctx context.Context) domain.ModelClient {
	for name := range f.cfg.Providers {
		c, err := f.Get(name)
		if err != nil || c == nil {
			continue
		}
		if c.Healthy(ctx) == nil {
			return c
		}
	}
	return nil
}
