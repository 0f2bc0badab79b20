package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwhitby/gatekeep-core/internal/infrastructure/config"
	"github.com/mwhitby/gatekeep-core/internal/infrastructure/logging"
	"github.com/mwhitby/gatekeep-core/internal/scope"
	"github.com/mwhitby/gatekeep-core/internal/session"
)

// Reconciler periodically repairs drift the hot path may have missed:
// it recomputes scopes for recently active principals, retries
// undelivered change events, evicts expired sessions and prunes old
// event history.
type Reconciler struct {
	manager  *scope.Manager
	registry *session.Registry
	events   *scope.EventLog
	cfg      config.ScopeConfig
	log      *logging.Logger
}

// New builds a reconciler.
func New(manager *scope.Manager, registry *session.Registry, events *scope.EventLog, cfg config.ScopeConfig, log *logging.Logger) *Reconciler {
	return &Reconciler{
		manager:  manager,
		registry: registry,
		events:   events,
		cfg:      cfg,
		log:      log.With("component", "reconciler"),
	}
}

// Run sweeps on the configured interval until the context is
// cancelled. Sweep failures are logged and the loop keeps going.
func (r *Reconciler) Run(ctx context.Context) {
	interval := r.cfg.GetReconciliationInterval()
	r.log.Info("reconciler started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.Warn("reconciliation sweep incomplete", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep. Each phase runs even if an earlier
// one failed; the returned error joins whatever went wrong.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	started := time.Now()
	var errs []error

	recomputed, advanced, err := r.recomputeRecent(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	retried, err := r.retryUndelivered(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	expired, err := r.registry.DeleteExpired(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("deleting expired sessions: %w", err))
	}

	pruned, err := r.events.Prune(ctx, r.cfg.GetReplayRetentionAge(), r.cfg.ReplayRetentionCount)
	if err != nil {
		errs = append(errs, fmt.Errorf("pruning events: %w", err))
	}

	r.log.Info("reconciliation sweep finished",
		"principals_checked", recomputed,
		"versions_advanced", advanced,
		"events_retried", retried,
		"sessions_expired", expired,
		"events_pruned", pruned,
		"duration_ms", time.Since(started).Milliseconds(),
		"errors", len(errs))
	return errors.Join(errs...)
}

// recomputeRecent re-derives scope for principals with recent session
// activity, catching changes that bypassed the trigger surface.
func (r *Reconciler) recomputeRecent(ctx context.Context) (checked, advanced int, err error) {
	since := time.Now().Add(-r.cfg.GetRecencyWindow())
	principals, err := r.registry.ListRecentPrincipals(ctx, since, r.cfg.ReconciliationBatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("listing recent principals: %w", err)
	}

	var errs []error
	for _, p := range principals {
		checked++
		_, event, err := r.manager.Recompute(ctx, p.UserID, p.TenantID)
		if err != nil {
			errs = append(errs, fmt.Errorf("recomputing %s/%s: %w", p.UserID, p.TenantID, err))
			continue
		}
		if event != nil {
			advanced++
			r.log.Info("reconciler repaired scope drift",
				"user_id", p.UserID, "tenant_id", p.TenantID,
				"new_version", event.NewVersion)
		}
	}
	return checked, advanced, errors.Join(errs...)
}

// retryUndelivered re-dispatches events that never reached all their
// subscribers. Dispatch marks them processed on success.
func (r *Reconciler) retryUndelivered(ctx context.Context) (int, error) {
	events, err := r.events.ListUnprocessed(ctx, r.cfg.ReconciliationBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing undelivered events: %w", err)
	}
	for _, event := range events {
		r.manager.Dispatch(ctx, event)
	}
	return len(events), nil
}
