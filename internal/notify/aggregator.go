// Package notify implements Tom's notification aggregator and reminder
// scheduler, per spec §4.4: a status poller that bumps an aggregate
// status_id whenever any loaded provider has fresher news, and a worker
// that fires due reminders through FCM. Grounded on the teacher's
// ticker-based background-loop idiom (internal/cache.Manager's and
// internal/database.PoolManager's healthCheckLoop) generalized from a
// fixed health check to an arbitrary per-provider status poll.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mroger/tom/internal/provider"
)

// PollInterval is the status-poll cadence, per §4.4.1.
const PollInterval = 10 * time.Second

// TaskStatus is one entry of the /tasks payload, per §6.1.
type TaskStatus struct {
	Module string `json:"module"`
	Status string `json:"status"`
}

// Aggregator polls one user's loaded providers' background status and
// maintains the aggregate status_id clients poll against, per §4.4.1.
type Aggregator struct {
	username string
	registry *provider.Registry
	logger   *zap.Logger

	mu       sync.RWMutex
	statusID int64
	tasks    []TaskStatus
	lastSeen map[string]time.Time

	cancel context.CancelFunc
	once   sync.Once
}

// NewAggregator constructs (but does not start) an aggregator for username.
func NewAggregator(username string, registry *provider.Registry, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		username: username,
		registry: registry,
		logger:   logger,
		lastSeen: map[string]time.Time{},
	}
}

// Start launches the polling loop, once per Aggregator instance, matching
// the teacher's "shared class-level already-initialized flags" redesign
// note: each provider's (here, each user's) background loop is tied to its
// own instance's lifetime via sync.Once, not a shared package-level flag.
func (a *Aggregator) Start(ctx context.Context) {
	a.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		a.cancel = cancel
		go a.loop(ctx)
	})
}

// Stop cancels the polling loop.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Aggregator) loop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *Aggregator) poll(ctx context.Context) {
	modules, err := a.registry.All(a.username)
	if err != nil {
		a.logger.Warn("notification poll: failed to load modules", zap.String("username", a.username), zap.Error(err))
		return
	}

	bumped := false
	tasks := make([]TaskStatus, 0, len(modules))
	now := time.Now()

	a.mu.Lock()
	for _, m := range modules {
		status, ok := m.BackgroundStatus(ctx)
		if !ok {
			status = ""
		}
		tasks = append(tasks, TaskStatus{Module: m.Name(), Status: status})
		if status != "" {
			prev, seen := a.lastSeen[m.Name()]
			if !seen || now.After(prev) {
				a.lastSeen[m.Name()] = now
				bumped = true
			}
		}
	}
	a.tasks = tasks
	if bumped {
		a.statusID = now.Unix()
	}
	a.mu.Unlock()
}

// Snapshot returns the current status_id and task list, per the GET /tasks
// response shape in §6.1.
func (a *Aggregator) Snapshot() (int64, []TaskStatus) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tasks := make([]TaskStatus, len(a.tasks))
	copy(tasks, a.tasks)
	return a.statusID, tasks
}
