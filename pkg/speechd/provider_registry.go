package speechd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/speechd/pkg/speech"
	"github.com/harunnryd/speechd/pkg/transports"
)

// EngineFactory builds the speech engine from the engine vendor settings.
type EngineFactory func(cfg Config) (speech.Engine, error)

// TransportFactory builds a fresh, unstarted transport. It is called again
// every time the keepalive rebuilds the bus connection.
type TransportFactory func(cfg Config) (transports.Transport, error)

type ProviderRegistry struct {
	engines    map[string]EngineFactory
	transports map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		engines:    make(map[string]EngineFactory),
		transports: make(map[string]TransportFactory),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterEngine(name string, factory EngineFactory) {
	r.engines[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildEngine(provider string, cfg Config) (speech.Engine, error) {
	fn := r.engines[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("engine provider not registered: %s", provider)
	}
	return fn(cfg)
}

// LookupTransport returns the bound factory for provider so callers can
// build transports repeatedly without another lookup.
func (r *ProviderRegistry) LookupTransport(provider string) (TransportFactory, error) {
	fn := r.transports[providerKey(provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport provider not registered: %s", provider)
	}
	return fn, nil
}

// Names lists registered engine and transport providers, sorted.
func (r *ProviderRegistry) Names() (engineNames, transportNames []string) {
	for k := range r.engines {
		engineNames = append(engineNames, k)
	}
	for k := range r.transports {
		transportNames = append(transportNames, k)
	}
	sort.Strings(engineNames)
	sort.Strings(transportNames)
	return engineNames, transportNames
}
