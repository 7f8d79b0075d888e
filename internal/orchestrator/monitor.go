package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deployd/internal/domain"
)

// monitor watches a running worker until it exits, fails its health checks
// or the task is cancelled.
func (o *Orchestrator) monitor(ctx context.Context, t *task) {
	h := t.handle
	tick := time.NewTicker(o.cfg.HealthInterval)
	defer tick.Stop()
	misses := 0
	for {
		select {
		case <-ctx.Done():
			if o.detach.Load() {
				o.log.Info().Str("event", "detach").Str("deployment", t.id).Int("pid", h.PID).Int("port", h.Port).Msg("worker left running")
				return
			}
			o.cleanup(t)
			o.finishStopped(t.id)
			return
		case <-h.Done():
			o.cleanup(t)
			o.finishFailed(t.id, &stepError{kind: domain.KindWorkerCrashed, msg: crashMessage(h.ExitErr(), h.Tail())})
			return
		case <-tick.C:
			if o.sup.HealthCheck(ctx, h, o.cfg.HealthTimeout) {
				misses = 0
				continue
			}
			if ctx.Err() != nil || h.Exited() {
				continue
			}
			misses++
			o.log.Warn().Str("event", "health_miss").Str("deployment", t.id).Int("misses", misses).Msg("worker health check failed")
			if misses >= o.cfg.UnhealthyThreshold {
				o.cleanup(t)
				o.finishFailed(t.id, fail(domain.KindWorkerUnhealthy, "%d consecutive health checks failed", misses))
				return
			}
		}
	}
}

func crashMessage(err error, tail string) string {
	msg := "worker process exited"
	if err != nil {
		msg = fmt.Sprintf("worker process exited: %v", err)
	}
	if line := lastLine(tail); line != "" {
		msg += " (" + line + ")"
	}
	return msg
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}
