package gateway

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/notify"
	"github.com/mroger/tom/internal/provider"
)

// AggregatorRegistry lazily creates and starts one notify.Aggregator per
// username on first access, matching the backend's per-user conversation
// lifecycle (there is no global "all users" notification loop, per §4.4.1).
type AggregatorRegistry struct {
	registry *provider.Registry
	logger   *zap.Logger

	mu   sync.Mutex
	byUser map[string]*notify.Aggregator
}

// NewAggregatorRegistry constructs an empty registry over the module registry.
func NewAggregatorRegistry(registry *provider.Registry, logger *zap.Logger) *AggregatorRegistry {
	return &AggregatorRegistry{registry: registry, logger: logger, byUser: map[string]*notify.Aggregator{}}
}

// For returns (creating if necessary) the aggregator for username. The
// caller is responsible for calling Start on it.
func (a *AggregatorRegistry) For(username string) *notify.Aggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.byUser[username]
	if !ok {
		agg = notify.NewAggregator(username, a.registry, a.logger)
		a.byUser[username] = agg
	}
	return agg
}
