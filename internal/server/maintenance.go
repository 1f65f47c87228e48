package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/agentspend/internal/decision"
	"github.com/mbd888/agentspend/internal/policy"
)

const defaultMaintenanceInterval = time.Minute

// activityPruner is implemented by in-memory activity stores. Postgres
// retention is handled outside the process.
type activityPruner interface {
	Prune(cutoff time.Time) int
}

// Maintenance periodically evicts expired in-process state: finished
// request IDs, cached policy snapshots and activity older than the risk
// baseline window.
type Maintenance struct {
	engine    *decision.Engine
	policies  *policy.CachedSource
	activity  activityPruner // nil when activity lives in Postgres
	retention time.Duration
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time
	stop      chan struct{}
	running   atomic.Bool
}

// NewMaintenance creates a maintenance worker.
func NewMaintenance(engine *decision.Engine, policies *policy.CachedSource, activity activityPruner, retention time.Duration, logger *slog.Logger) *Maintenance {
	return &Maintenance{
		engine:    engine,
		policies:  policies,
		activity:  activity,
		retention: retention,
		logger:    logger,
		interval:  defaultMaintenanceInterval,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the loop is active.
func (m *Maintenance) Running() bool {
	return m.running.Load()
}

// Start runs sweeps until ctx is done or Stop is called.
func (m *Maintenance) Start(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.safeSweep()
		}
	}
}

// Stop signals the loop to stop.
func (m *Maintenance) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Maintenance) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in maintenance sweep", "panic", fmt.Sprint(r))
		}
	}()
	m.sweep()
}

type sweepStats struct {
	guarded, cached, pruned int
}

func (m *Maintenance) sweep() sweepStats {
	guarded := 0
	if m.engine != nil {
		guarded = m.engine.SweepGuard()
	}
	cached := 0
	if m.policies != nil {
		cached = m.policies.SweepCache()
	}
	pruned := 0
	if m.activity != nil && m.retention > 0 {
		pruned = m.activity.Prune(m.now().Add(-m.retention))
	}
	if guarded+cached+pruned > 0 {
		m.logger.Debug("maintenance sweep",
			"request_ids", guarded,
			"policy_snapshots", cached,
			"activity", pruned,
		)
	}
	return sweepStats{guarded, cached, pruned}
}
