package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/beacon/internal/config"
)

const openRouterAPIBase = "https://openrouter.ai/api/v1"

// Registry holds the configured providers and resolves the default.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry builds providers from config. Providers without an API key are
// skipped. The agent's configured provider becomes the default; when it has
// no key the first configured provider wins.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}

	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		r.providers["anthropic"] = NewAnthropicProvider(key,
			WithAnthropicModel(cfg.Providers.Anthropic.Model),
			WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase),
		)
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		model := cfg.Providers.OpenAI.Model
		if model == "" {
			model = "gpt-4o"
		}
		r.providers["openai"] = NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, model)
	}
	if key := cfg.Providers.OpenRouter.APIKey; key != "" {
		base := cfg.Providers.OpenRouter.APIBase
		if base == "" {
			base = openRouterAPIBase
		}
		model := cfg.Providers.OpenRouter.Model
		if model == "" {
			model = "anthropic/claude-sonnet-4.5"
		}
		r.providers["openrouter"] = NewOpenAIProvider("openrouter", key, base, model)
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no provider configured: set at least one API key (e.g. BEACON_ANTHROPIC_API_KEY)")
	}

	r.defaultName = cfg.Agent.Provider
	if _, ok := r.providers[r.defaultName]; !ok {
		names := r.Names()
		slog.Warn("configured provider has no api key, falling back",
			"configured", r.defaultName, "using", names[0])
		r.defaultName = names[0]
	}
	return r, nil
}

// Register adds or replaces a provider by name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not configured", name)
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[r.defaultName]
}

// Names lists configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
