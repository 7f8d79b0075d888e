package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"deployd/internal/artifact"
	"deployd/internal/domain"
	"deployd/internal/ports"
	"deployd/internal/supervisor"
	"deployd/internal/worker"
)

const unknownSizeStep = 32 << 20

// stepError is a failed pipeline step.
type stepError struct {
	kind domain.ErrorKind
	msg  string
}

func (e *stepError) Error() string { return string(e.kind) + ": " + e.msg }

func fail(kind domain.ErrorKind, format string, a ...any) *stepError {
	return &stepError{kind: kind, msg: fmt.Sprintf(format, a...)}
}

// run is the body of a deployment task.
func (o *Orchestrator) run(ctx context.Context, t *task, req domain.Request) {
	release, err := o.acquireSlot(ctx)
	if err != nil {
		o.end(ctx, t, nil)
		return
	}
	defer release()

	steps := []func(context.Context, *task, *pipeline) *stepError{
		o.validate,
		o.fetch,
		o.load,
		o.build,
		o.start,
	}
	p := &pipeline{req: req}
	for _, step := range steps {
		if ctx.Err() != nil {
			o.end(ctx, t, nil)
			return
		}
		if serr := step(ctx, t, p); serr != nil {
			o.end(ctx, t, serr)
			return
		}
	}
	release()
	o.monitor(ctx, t)
}

// pipeline carries values between steps.
type pipeline struct {
	req      domain.Request
	device   string
	artifact string
	entry    worker.Entrypoint
	spec     supervisor.Spec
}

// acquireSlot waits in Pending for a pipeline slot. The returned release
// func is idempotent.
func (o *Orchestrator) acquireSlot(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-o.slots }) }, nil
}

// end finishes a task that left the pipeline early: resources are released
// first, then the single terminal event is published. A cancelled task
// context means the deployment was stopped, whatever the step reported.
func (o *Orchestrator) end(ctx context.Context, t *task, serr *stepError) {
	o.cleanup(t)
	if ctx.Err() != nil || serr == nil {
		o.finishStopped(t.id)
		return
	}
	o.finishFailed(t.id, serr)
}

func (o *Orchestrator) finishStopped(id string) {
	if err := o.transition(id, domain.StateStopped, "Deployment stopped"); err != nil {
		o.log.Debug().Str("deployment", id).Err(err).Msg("stop transition skipped")
		return
	}
	deploymentsTotal.WithLabelValues(string(domain.StateStopped)).Inc()
	o.log.Info().Str("event", "stopped").Str("deployment", id).Msg("deployment stopped")
}

func (o *Orchestrator) finishFailed(id string, serr *stepError) {
	_, err := o.apply(id, func(r *domain.Record) error {
		return r.Fail(domain.NewErrorDetail(serr.kind, serr.msg), o.now())
	})
	if err != nil {
		o.log.Debug().Str("deployment", id).Err(err).Msg("fail transition skipped")
		return
	}
	deploymentsTotal.WithLabelValues(string(domain.StateFailed)).Inc()
	deploymentFailures.WithLabelValues(string(serr.kind)).Inc()
	o.log.Warn().Str("event", "failed").Str("deployment", id).Str("kind", string(serr.kind)).Msg(serr.msg)
}

// cleanup terminates the task's worker and releases its port lease.
func (o *Orchestrator) cleanup(t *task) {
	if t.handle != nil {
		if err := o.sup.Terminate(t.handle, o.cfg.StopGrace); err != nil {
			o.log.Error().Str("deployment", t.id).Int("pid", t.handle.PID).Err(err).Msg("terminate failed")
		}
		t.handle = nil
	}
	if t.hasLease {
		o.ports.Release(t.lease)
		t.hasLease = false
	}
}

func (o *Orchestrator) validate(ctx context.Context, t *task, p *pipeline) *stepError {
	req := p.req
	o.admitMu.Lock()
	defer o.admitMu.Unlock()
	if err := o.transition(t.id, domain.StateValidating, "Validating configuration"); err != nil {
		return fail(domain.KindInvalidRequest, "%v", err)
	}
	if req.PreferredPort != 0 && !o.ports.InRange(req.PreferredPort) {
		start, end := o.ports.Range()
		return fail(domain.KindInvalidRequest, "preferred port %d outside %d-%d", req.PreferredPort, start, end)
	}
	if !hasKind(o.loader.Kinds(), req.Kind) {
		return fail(domain.KindInvalidRequest, "no worker template for kind %q (have %s)", req.Kind, strings.Join(o.loader.Kinds(), ", "))
	}
	if o.cfg.MaxActiveDeployments > 0 || o.cfg.MemoryBudgetMB > 0 {
		active, usedMB := o.usage(t.id)
		if o.cfg.MaxActiveDeployments > 0 && active >= o.cfg.MaxActiveDeployments {
			return fail(domain.KindCapacityExceeded, "%d active deployments (limit %d)", active, o.cfg.MaxActiveDeployments)
		}
		if o.cfg.MemoryBudgetMB > 0 && usedMB+req.MemoryLimitMB > o.cfg.MemoryBudgetMB {
			return fail(domain.KindCapacityExceeded, "memory budget exceeded: %d MB requested, %d of %d MB in use", req.MemoryLimitMB, usedMB, o.cfg.MemoryBudgetMB)
		}
	}
	return nil
}

// usage counts admitted deployments other than self and the memory they reserve.
func (o *Orchestrator) usage(self string) (active, usedMB int) {
	for _, r := range o.reg.Active() {
		if r.ID == self || r.State == domain.StatePending {
			continue
		}
		active++
		usedMB += r.Request.MemoryLimitMB
	}
	return active, usedMB
}

func hasKind(kinds []string, k string) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func (o *Orchestrator) fetch(ctx context.Context, t *task, p *pipeline) *stepError {
	if err := o.transition(t.id, domain.StateFetchingArtifact, "Fetching artifact"); err != nil {
		return fail(domain.KindFetchIOError, "%v", err)
	}
	var mu sync.Mutex
	last := domain.FetchBandStart
	onProgress := func(pr artifact.Progress) {
		pct := fetchPercent(pr)
		mu.Lock()
		if pct <= last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		o.advance(t.id, pct, fetchMessage(pr))
	}
	path, err := o.fetcher.Fetch(ctx, p.req.Source, o.cfg.FetchTimeout, onProgress)
	if err != nil {
		switch artifact.KindOf(err) {
		case artifact.KindTimeout:
			return fail(domain.KindFetchTimeout, "artifact fetch exceeded %s", o.cfg.FetchTimeout)
		case artifact.KindNotFound:
			return fail(domain.KindFetchNotFound, "%v", err)
		default:
			return fail(domain.KindFetchIOError, "%v", err)
		}
	}
	p.artifact = path
	return nil
}

// fetchPercent maps byte progress onto the fetch band.
func fetchPercent(pr artifact.Progress) int {
	span := domain.FetchBandEnd - domain.FetchBandStart
	if pr.TotalBytes > 0 {
		pct := domain.FetchBandStart + int(int64(span)*pr.BytesSoFar/pr.TotalBytes)
		if pct > domain.FetchBandEnd {
			pct = domain.FetchBandEnd
		}
		return pct
	}
	pct := domain.FetchBandStart + int(pr.BytesSoFar/unknownSizeStep)
	if pct > domain.FetchBandEnd-1 {
		pct = domain.FetchBandEnd - 1
	}
	return pct
}

func fetchMessage(pr artifact.Progress) string {
	const mb = 1 << 20
	if pr.TotalBytes > 0 {
		return fmt.Sprintf("Fetching artifact (%d/%d MB)", pr.BytesSoFar/mb, pr.TotalBytes/mb)
	}
	return fmt.Sprintf("Fetching artifact (%d MB)", pr.BytesSoFar/mb)
}

func (o *Orchestrator) load(ctx context.Context, t *task, p *pipeline) *stepError {
	p.device = resolveDevice(p.req.Device, o.cfg.DefaultDevice)
	path := p.artifact
	_, err := o.apply(t.id, func(r *domain.Record) error {
		if err := r.Transition(domain.StateLoadingModel, "Loading model", o.now()); err != nil {
			return err
		}
		r.ArtifactPath = path
		return nil
	})
	if err != nil {
		return fail(domain.KindLoadError, "%v", err)
	}
	lctx, cancel := context.WithTimeout(ctx, o.cfg.LoadTimeout)
	defer cancel()
	ep, err := o.loader.Load(lctx, worker.LoadRequest{
		DeploymentID: t.id,
		Name:         p.req.Name,
		Kind:         p.req.Kind,
		ArtifactPath: path,
		Device:       p.device,
		Workers:      p.req.Workers,
		BatchSize:    p.req.BatchSize,
	})
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || lctx.Err() == context.DeadlineExceeded) {
			return fail(domain.KindLoadTimeout, "model load exceeded %s", o.cfg.LoadTimeout)
		}
		return fail(domain.KindLoadError, "%v", err)
	}
	p.entry = ep
	return nil
}

// resolveDevice picks cuda for "auto" when an accelerator is visible.
func resolveDevice(requested, fallback string) string {
	if requested != domain.DeviceAuto {
		return requested
	}
	if v := strings.TrimSpace(os.Getenv("CUDA_VISIBLE_DEVICES")); v != "" && v != "-1" {
		return domain.DeviceCUDA
	}
	return fallback
}

func (o *Orchestrator) build(ctx context.Context, t *task, p *pipeline) *stepError {
	if err := o.transition(t.id, domain.StateBuildingPipeline, fmt.Sprintf("Building pipeline (device %s)", p.device)); err != nil {
		return fail(domain.KindSpawnError, "%v", err)
	}
	lease, err := o.ports.Acquire(t.id, p.req.PreferredPort)
	if err != nil {
		if ports.IsNoPortAvailable(err) {
			return fail(domain.KindNoPortAvailable, "%v", err)
		}
		return fail(domain.KindNoPortAvailable, "port allocation: %v", err)
	}
	t.lease, t.hasLease = lease, true
	ep := p.entry.Render(o.ports.Host(), lease.Port)
	p.spec = supervisor.Spec{
		DeploymentID: t.id,
		Command:      ep.Command,
		Args:         ep.Args,
		Env:          append(ep.Env, "DEPLOYD_DEVICE="+p.device),
		Dir:          ep.Dir,
		Host:         o.ports.Host(),
		Port:         lease.Port,
		HealthPath:   ep.HealthPath,
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context, t *task, p *pipeline) *stepError {
	if err := o.transition(t.id, domain.StateStartingWorker, "Starting worker"); err != nil {
		return fail(domain.KindSpawnError, "%v", err)
	}
	h, err := o.sup.Spawn(p.spec)
	if err != nil {
		return fail(domain.KindSpawnError, "%v", err)
	}
	t.handle = h
	// Recorded before readiness so a restart can find the process.
	if _, err := o.reg.Update(t.id, func(r *domain.Record) error {
		r.PID, r.Port, r.HealthPath = h.PID, h.Port, h.HealthPath
		return nil
	}); err != nil {
		o.log.Warn().Str("deployment", t.id).Int("pid", h.PID).Err(err).Msg("recording worker pid failed")
	}
	if err := o.sup.WaitReady(ctx, h, o.cfg.StartupTimeout); err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(domain.KindSpawnError, "cancelled")
		case supervisor.IsStartupTimeout(err):
			return fail(domain.KindStartupTimeout, "worker not healthy within %s", o.cfg.StartupTimeout)
		default:
			return fail(domain.KindSpawnError, "%v", err)
		}
	}
	rec, err := o.apply(t.id, func(r *domain.Record) error {
		if err := r.Transition(domain.StateRunning, fmt.Sprintf("Model deployed on port %d", h.Port), o.now()); err != nil {
			return err
		}
		r.PID, r.Port = h.PID, h.Port
		return nil
	})
	if err != nil {
		return fail(domain.KindSpawnError, "%v", err)
	}
	deploymentsTotal.WithLabelValues(string(domain.StateRunning)).Inc()
	timeToRunning.Observe(rec.Elapsed(o.now()).Seconds())
	o.log.Info().Str("event", "running").Str("deployment", t.id).Int("pid", h.PID).Int("port", h.Port).Dur("elapsed", rec.Elapsed(o.now())).Msg("deployment running")
	return nil
}
