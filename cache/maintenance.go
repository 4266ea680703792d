package cache

import (
	"context"
	"time"

	"github.com/wolfeidau/catalog-cache/telemetry"
)

// maintenanceOperation tags metrics recorded by background maintenance.
const maintenanceOperation = "cache_maintenance"

// Start begins background maintenance. The loop outlives any request, so
// its metrics carry the maintenance operation instead of a request's.
func (m *Manager) Start(ctx context.Context) error {
	m.bgMu.Lock()
	if m.stopped || m.running {
		m.bgMu.Unlock()
		return nil
	}
	m.running = true
	m.bgMu.Unlock()

	go m.run(telemetry.WithOperationContext(ctx, maintenanceOperation))
	return nil
}

// Stop stops background maintenance and waits for the current cycle.
func (m *Manager) Stop() {
	m.bgMu.Lock()
	if !m.running || m.stopped {
		m.bgMu.Unlock()
		return
	}
	m.stopped = true
	m.bgMu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// MaintenanceResult contains the results of a maintenance run.
type MaintenanceResult struct {
	TTLExpired    int
	Evicted       int
	BytesFreed    int64
	QueriesPruned int
	Errors        int
	Duration      time.Duration
}

// RunOnce expires entries past TTL, evicts down to MaxSize and trims the
// query history.
func (m *Manager) RunOnce(ctx context.Context) *MaintenanceResult {
	start := m.now()
	result := &MaintenanceResult{}

	m.logger.Debug("starting cache maintenance")

	if m.config.TTL > 0 {
		ttlStart := m.now()
		expired, freed, err := m.expireByTTL(ctx)
		if err != nil {
			m.logger.Error("ttl expiry failed", "error", err)
			result.Errors++
		}
		result.TTLExpired = expired
		result.BytesFreed += freed
		telemetry.RecordMaintenanceCycle(ctx, "ttl", expired, m.now().Sub(ttlStart))
	}

	evict, err := m.EnsureSpace(ctx, 0)
	if err != nil {
		m.logger.Error("size enforcement failed", "error", err)
		result.Errors++
	}
	result.Evicted = evict.Evicted
	result.BytesFreed += evict.BytesFreed

	pruneStart := m.now()
	pruned, err := m.store.PruneQueries(ctx, m.config.MaxQueries)
	if err != nil {
		m.logger.Error("query pruning failed", "error", err)
		result.Errors++
	}
	result.QueriesPruned = pruned
	telemetry.RecordMaintenanceCycle(ctx, "queries", pruned, m.now().Sub(pruneStart))

	result.Duration = m.now().Sub(start)

	if result.TTLExpired > 0 || result.Evicted > 0 || result.QueriesPruned > 0 {
		m.logger.Info("cache maintenance complete",
			"ttl_expired", result.TTLExpired,
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"queries_pruned", result.QueriesPruned,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("cache maintenance complete, nothing to do")
	}

	return result
}

func (m *Manager) expireByTTL(ctx context.Context) (int, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureReadyLocked(ctx); err != nil {
		return 0, 0, err
	}

	entries, err := m.store.AllEntries(ctx)
	if err != nil {
		return 0, 0, err
	}

	cutoff := m.now().Add(-m.config.TTL)
	var expired []string
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			expired = append(expired, e.Key)
		}
	}
	if len(expired) == 0 {
		return 0, 0, nil
	}

	freed, err := m.store.DeleteEntries(ctx, expired)
	if err != nil {
		return 0, 0, err
	}
	m.size -= freed
	return len(expired), freed, nil
}
