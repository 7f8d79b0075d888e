package orchestrator

import (
	"context"
	"fmt"

	"deployd/internal/domain"
	"deployd/internal/supervisor"
)

// Reconcile loads persisted records and settles every one left non-terminal
// by a previous process. Healthy workers are adopted and monitored again;
// everything else is marked Orphaned.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	recs, err := o.reg.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	for _, rec := range recs {
		if rec.State.Terminal() {
			continue
		}
		if rec.PID > 0 && rec.Port > 0 {
			if o.adopt(ctx, rec) {
				continue
			}
			o.orphan(rec.ID, fmt.Sprintf("worker pid %d on port %d could not be adopted after restart", rec.PID, rec.Port))
			continue
		}
		o.orphan(rec.ID, fmt.Sprintf("orchestrator restarted while deployment was %s", rec.State))
	}
	return nil
}

func (o *Orchestrator) adopt(ctx context.Context, rec domain.Record) bool {
	h, err := o.sup.Adopt(rec.ID, rec.PID, o.ports.Host(), rec.Port, rec.HealthPath)
	if err != nil {
		o.log.Warn().Str("event", "adopt_failed").Str("deployment", rec.ID).Int("pid", rec.PID).Err(err).Msg("worker gone")
		return false
	}
	if !o.sup.HealthCheck(ctx, h, o.cfg.HealthTimeout) {
		o.log.Warn().Str("event", "adopt_failed").Str("deployment", rec.ID).Int("pid", rec.PID).Msg("adopted worker unhealthy")
		o.terminateOrphan(h)
		return false
	}
	lease, err := o.ports.Reserve(rec.ID, rec.Port)
	if err != nil {
		o.log.Warn().Str("event", "adopt_failed").Str("deployment", rec.ID).Int("port", rec.Port).Err(err).Msg("port of adopted worker unavailable")
		o.terminateOrphan(h)
		return false
	}
	if rec.State != domain.StateRunning {
		if err := o.transition(rec.ID, domain.StateRunning, fmt.Sprintf("Worker adopted on port %d", rec.Port)); err != nil {
			o.ports.Release(lease)
			o.terminateOrphan(h)
			return false
		}
	}
	o.launch(rec.ID, func(ctx context.Context, t *task) {
		t.handle, t.lease, t.hasLease = h, lease, true
		o.monitor(ctx, t)
	})
	o.log.Info().Str("event", "adopted").Str("deployment", rec.ID).Int("pid", rec.PID).Int("port", rec.Port).Msg("worker adopted")
	return true
}

func (o *Orchestrator) terminateOrphan(h *supervisor.Handle) {
	if err := o.sup.Terminate(h, o.cfg.StopGrace); err != nil {
		o.log.Error().Str("deployment", h.DeploymentID).Int("pid", h.PID).Err(err).Msg("terminate orphan failed")
	}
}

func (o *Orchestrator) orphan(id, msg string) {
	o.finishFailed(id, &stepError{kind: domain.KindOrphaned, msg: msg})
}
