package registry

import (
	"context"

	"deployd/internal/domain"
)

// enqueue schedules rec (nil for a delete) for the persister. Called with
// r.mu held, so the queue sees writes in table order; later writes to the
// same id replace earlier ones.
func (r *Registry) enqueue(id string, rec *domain.Record) {
	r.pmu.Lock()
	defer r.pmu.Unlock()
	if r.closed {
		return
	}
	if _, queued := r.pending[id]; !queued {
		r.order = append(r.order, id)
	}
	if rec != nil {
		cp := rec.Clone()
		rec = &cp
	}
	r.pending[id] = rec
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Registry) persister() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-r.quit:
			r.flush()
			return
		}
	}
}

func (r *Registry) flush() {
	r.pmu.Lock()
	pending, order := r.pending, r.order
	r.pending = make(map[string]*domain.Record)
	r.order = nil
	r.pmu.Unlock()
	for _, id := range order {
		rec := pending[id]
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		var err error
		if rec == nil {
			err = r.store.Delete(ctx, id)
		} else {
			err = r.store.Save(ctx, *rec)
		}
		cancel()
		if err != nil {
			persistErrors.Inc()
			r.log.Error().Str("event", "persist").Str("deployment", id).Err(err).Msg("store write failed")
		}
	}
}
