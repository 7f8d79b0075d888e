package orchestrator

import (
	"context"
	"fmt"

	"deployd/internal/domain"
)

// Stop requests the Stopped transition and returns once the request is
// accepted. Stopping a stopped deployment is a no-op; a failed one is a
// conflict.
func (o *Orchestrator) Stop(id string) (domain.Record, error) {
	rec, err := o.reg.Get(id)
	if err != nil {
		return domain.Record{}, err
	}
	switch rec.State {
	case domain.StateStopped:
		return rec, nil
	case domain.StateFailed:
		return rec, conflictError{msg: fmt.Sprintf("deployment %s already failed", id)}
	}
	if t := o.taskFor(id); t != nil {
		o.log.Info().Str("event", "stop").Str("deployment", id).Str("state", string(rec.State)).Msg("stop requested")
		t.cancel()
		return rec, nil
	}
	// A record without a task has no resources to release.
	rec, err = o.apply(id, func(r *domain.Record) error { return r.Transition(domain.StateStopped, "Deployment stopped", o.now()) })
	if err != nil {
		return rec, conflictError{msg: err.Error()}
	}
	return rec, nil
}

// Remove stops the deployment if needed, waits for it to settle and deletes
// the record.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	rec, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if rec.State.Active() {
		if _, err := o.Stop(id); err != nil && !IsConflict(err) {
			return err
		}
	}
	wctx, cancel := context.WithTimeout(ctx, o.cfg.RemoveWait)
	defer cancel()
	if err := o.Wait(wctx, id); err != nil {
		return conflictError{msg: fmt.Sprintf("deployment %s did not stop within %s", id, o.cfg.RemoveWait)}
	}
	if err := o.reg.Remove(id); err != nil {
		return err
	}
	o.bus.Forget(id)
	o.log.Info().Str("event", "remove").Str("deployment", id).Msg("deployment removed")
	return nil
}
