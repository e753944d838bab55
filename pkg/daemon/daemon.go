package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aerodisk/vncbroker/pkg/config"
	"github.com/aerodisk/vncbroker/pkg/events"
	"github.com/aerodisk/vncbroker/pkg/log"
	"github.com/aerodisk/vncbroker/pkg/metrics"
	"github.com/aerodisk/vncbroker/pkg/types"
)

// PoolReconciler is the slice of the port pool the daemon drives.
type PoolReconciler interface {
	ReconcileStale() (types.ReconcileReport, error)
	Stats() (types.PoolStats, error)
}

// Cleanup runs the reconciliation pass on a fixed cadence. Ticks never
// overlap; cancellation is honored between ticks, and an in-flight tick is
// drained before Run returns.
type Cleanup struct {
	cfg    config.Config
	pool   PoolReconciler
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a cleanup daemon. broker may be nil.
func New(cfg config.Config, pool PoolReconciler, broker *events.Broker) *Cleanup {
	return &Cleanup{
		cfg:    cfg,
		pool:   pool,
		broker: broker,
		logger: log.WithComponent("cleanup-daemon"),
	}
}

// Run blocks until ctx is canceled. The first pass runs immediately; the
// rest follow the configured interval.
func (d *Cleanup) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.CleanupInterval())
	defer ticker.Stop()

	d.logger.Info().
		Dur("interval", d.cfg.CleanupInterval()).
		Msg("Cleanup daemon started")
	metrics.RegisterComponent("cleanup-daemon", true, "running")

	d.tick()

	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-ctx.Done():
			d.logger.Info().Msg("Cleanup daemon stopped")
			metrics.UpdateComponent("cleanup-daemon", false, "stopped")
			return nil
		}
	}
}

// tick performs one reconciliation cycle and refreshes pool gauges.
func (d *Cleanup) tick() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	report, err := d.pool.ReconcileStale()
	if err != nil {
		// Log error but continue; the next tick retries
		d.logger.Error().Err(err).Msg("Reconciliation cycle failed")
		metrics.UpdateComponent("cleanup-daemon", false, fmt.Sprintf("reconcile failed: %v", err))
		return
	}

	if report.StaleReleased > 0 {
		d.publish(&events.Event{
			Type:    events.EventStaleReclaimed,
			Message: fmt.Sprintf("released %d stale allocations", report.StaleReleased),
		})
	}
	if report.Adopted > 0 {
		d.publish(&events.Event{
			Type:    events.EventSessionAdopted,
			Message: fmt.Sprintf("adopted %d external websockify processes", report.Adopted),
		})
	}
	if report.DriftWarnings > 0 {
		d.publish(&events.Event{
			Type:    events.EventDriftDetected,
			Message: fmt.Sprintf("%d managed ports diverge from recorded state", report.DriftWarnings),
		})
	}

	stats, err := d.pool.Stats()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to read pool stats")
		return
	}

	metrics.PortsAllocated.Set(float64(stats.Allocated))
	metrics.PortsFree.Set(float64(stats.Free))
	metrics.PoolUtilization.Set(stats.Utilization)
	metrics.UpdateComponent("cleanup-daemon", true, "running")

	d.logger.Info().
		Int("stale_released", report.StaleReleased).
		Int("adopted", report.Adopted).
		Int("drift_warnings", report.DriftWarnings).
		Int("allocated", stats.Allocated).
		Int("free", stats.Free).
		Float64("utilization_percent", stats.Utilization).
		Msg("Reconciliation cycle complete")
}

func (d *Cleanup) publish(event *events.Event) {
	if d.broker != nil {
		d.broker.Publish(event)
	}
}
