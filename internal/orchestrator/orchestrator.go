// Package orchestrator drives deployments from request to running worker.
//
// Every deployment runs as one task goroutine that owns its record. The task
// walks the pipeline (validate, fetch, load, build, start) and, once the
// worker is healthy, stays alive as the deployment's monitor until the worker
// exits, turns unhealthy or is stopped. Record changes go through
// registry.Update and publish exactly one progress event under the registry
// lock, so polling readers and subscribers always agree.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"deployd/internal/artifact"
	"deployd/internal/domain"
	"deployd/internal/ports"
	"deployd/internal/progress"
	"deployd/internal/registry"
	"deployd/internal/supervisor"
	"deployd/internal/worker"
)

// Fetcher resolves an artifact source to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, source string, timeout time.Duration, onProgress func(artifact.Progress)) (string, error)
}

// Deps are the collaborators an Orchestrator coordinates.
type Deps struct {
	Registry    *registry.Registry
	Broadcaster *progress.Broadcaster
	Ports       *ports.Allocator
	Fetcher     Fetcher
	Loader      worker.Loader
	Supervisor  *supervisor.Supervisor
	// Publisher observes every progress event in addition to the broadcaster.
	Publisher progress.Publisher
	Logger    zerolog.Logger
}

type task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the task goroutine
	lease    ports.Lease
	hasLease bool
	handle   *supervisor.Handle
}

// Orchestrator coordinates deployment tasks.
type Orchestrator struct {
	cfg     Config
	reg     *registry.Registry
	bus     *progress.Broadcaster
	ports   *ports.Allocator
	fetcher Fetcher
	loader  worker.Loader
	sup     *supervisor.Supervisor
	pub     progress.Publisher
	log     zerolog.Logger
	now     func() time.Time

	slots      chan struct{}
	admitMu    sync.Mutex
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	shuttingDown atomic.Bool
	detach       atomic.Bool
	started      time.Time
}

// New constructs an Orchestrator. Call Reconcile before accepting requests
// when the registry is persistent.
func New(cfg Config, d Deps) (*Orchestrator, error) {
	if d.Registry == nil || d.Broadcaster == nil || d.Ports == nil || d.Fetcher == nil || d.Loader == nil || d.Supervisor == nil {
		return nil, errors.New("orchestrator: missing dependency")
	}
	cfg = cfg.withDefaults()
	pub := d.Publisher
	if pub == nil {
		pub = progress.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		reg:        d.Registry,
		bus:        d.Broadcaster,
		ports:      d.Ports,
		fetcher:    d.Fetcher,
		loader:     d.Loader,
		sup:        d.Supervisor,
		pub:        pub,
		log:        d.Logger,
		now:        time.Now,
		slots:      make(chan struct{}, cfg.MaxConcurrentTasks),
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*task),
		started:    time.Now(),
	}
	o.sup.SetExitHook(o.onWorkerExit)
	return o, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Submit validates req, records a Pending deployment and starts its task.
// It returns without waiting for any pipeline step. The name is reserved on
// submission; a name held by another live deployment fails the record at once.
func (o *Orchestrator) Submit(req domain.Request) (domain.Record, error) {
	return o.submit(req, 1, "")
}

// Retry starts a fresh attempt of a terminal deployment.
func (o *Orchestrator) Retry(id string) (domain.Record, error) {
	prev, err := o.reg.Get(id)
	if err != nil {
		return domain.Record{}, err
	}
	if !prev.State.Terminal() {
		return domain.Record{}, conflictError{msg: fmt.Sprintf("deployment %s is %s; only failed or stopped deployments can be retried", id, prev.State)}
	}
	return o.submit(prev.Request, prev.Attempt+1, id)
}

func (o *Orchestrator) submit(req domain.Request, attempt int, retryOf string) (domain.Record, error) {
	if o.shuttingDown.Load() {
		return domain.Record{}, unavailableError{}
	}
	req = req.Normalize()
	if err := req.Validate(o.cfg.MaxWorkers); err != nil {
		return domain.Record{}, invalidRequestError{err: err}
	}
	now := o.now()
	rec := domain.NewRecord(uuid.NewString(), req, now)
	rec.Attempt = attempt
	rec.RetryOf = retryOf
	if retryOf != "" {
		rec.Message = "Retry of " + retryOf + " accepted"
		rec.History[0].Message = rec.Message
	}
	// The task is known before the record is, so a Stop can always reach it.
	t, ctx := o.newTask(rec.ID)
	err := o.reg.Insert(rec, func(r domain.Record) { o.publish(domain.EventFromRecord(r, now)) })
	if err != nil {
		o.dropTask(t)
		return domain.Record{}, err
	}
	o.log.Info().Str("event", "submit").Str("deployment", rec.ID).Str("name", req.Name).Str("source", req.Source).Int("attempt", attempt).Msg("deployment accepted")
	if !o.reg.ClaimName(req.Name, rec.ID) {
		o.dropTask(t)
		owner, _ := o.reg.NameOwner(req.Name)
		o.finishFailed(rec.ID, fail(domain.KindInvalidRequest, "name %q is already used by deployment %s", req.Name, owner))
		if cur, err := o.reg.Get(rec.ID); err == nil {
			rec = cur
		}
		return rec, nil
	}
	o.goTask(ctx, t, func(ctx context.Context, t *task) { o.run(ctx, t, req) })
	return rec, nil
}

// launch starts a task goroutine for id running body.
func (o *Orchestrator) launch(id string, body func(context.Context, *task)) {
	t, ctx := o.newTask(id)
	o.goTask(ctx, t, body)
}

// newTask registers a task for id without starting it.
func (o *Orchestrator) newTask(id string) (*task, context.Context) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	t := &task{id: id, cancel: cancel, done: make(chan struct{})}
	o.mu.Lock()
	o.tasks[id] = t
	o.mu.Unlock()
	return t, ctx
}

// dropTask unregisters a task that was never started.
func (o *Orchestrator) dropTask(t *task) {
	o.mu.Lock()
	delete(o.tasks, t.id)
	o.mu.Unlock()
	t.cancel()
	close(t.done)
}

func (o *Orchestrator) goTask(ctx context.Context, t *task, body func(context.Context, *task)) {
	o.wg.Add(1)
	activeDeployments.Inc()
	go func() {
		defer func() {
			o.mu.Lock()
			delete(o.tasks, t.id)
			o.mu.Unlock()
			t.cancel()
			close(t.done)
			activeDeployments.Dec()
			o.wg.Done()
		}()
		body(ctx, t)
	}()
}

func (o *Orchestrator) taskFor(id string) *task {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tasks[id]
}

// Get returns a snapshot of one deployment.
func (o *Orchestrator) Get(id string) (domain.Record, error) { return o.reg.Get(id) }

// List returns snapshots of all deployments ordered by creation.
func (o *Orchestrator) List() []domain.Record { return o.reg.List() }

// Subscribe opens a progress subscription seeded with the current record.
// The snapshot and the registration happen under the registry read lock, so
// no transition can slip between them.
func (o *Orchestrator) Subscribe(id string) (*progress.Subscription, error) {
	var sub *progress.Subscription
	err := o.reg.View(id, func(r domain.Record) {
		seed := domain.EventFromRecord(r, o.now())
		sub = o.bus.Subscribe(id, &seed)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Snapshot returns the current progress event of a deployment.
func (o *Orchestrator) Snapshot(id string) (domain.ProgressEvent, error) {
	rec, err := o.reg.Get(id)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	return domain.EventFromRecord(rec, o.now()), nil
}

// Wait blocks until the task for id has exited or ctx ends. It returns nil
// immediately when no task is alive.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	t := o.taskFor(id)
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether new deployments are accepted.
func (o *Orchestrator) Ready() bool { return !o.shuttingDown.Load() }

// Shutdown stops accepting work and cancels every task. Pipelines end in
// Stopped; running workers are stopped too unless StopWorkersOnShutdown is
// false, in which case monitors detach and leave the workers for the next
// start to adopt. It waits for all tasks or until ctx ends.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	o.detach.Store(!o.cfg.StopWorkersOnShutdown)
	o.log.Info().Str("event", "shutdown").Bool("detach_workers", o.detach.Load()).Msg("cancelling deployment tasks")
	o.baseCancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errUnchanged makes registry.Update discard a no-op advance.
var errUnchanged = errors.New("unchanged")

// apply mutates the record through fn and publishes the resulting snapshot
// while the registry lock is held.
func (o *Orchestrator) apply(id string, fn func(*domain.Record) error) (domain.Record, error) {
	return o.reg.Update(id, func(r *domain.Record) error {
		if err := fn(r); err != nil {
			return err
		}
		o.publish(domain.EventFromRecord(*r, o.now()))
		return nil
	})
}

func (o *Orchestrator) publish(ev domain.ProgressEvent) {
	o.bus.Publish(ev)
	o.pub.Publish(ev)
}

func (o *Orchestrator) transition(id string, to domain.State, msg string) error {
	_, err := o.apply(id, func(r *domain.Record) error { return r.Transition(to, msg, o.now()) })
	return err
}

func (o *Orchestrator) advance(id string, pct int, msg string) {
	_, err := o.apply(id, func(r *domain.Record) error {
		if !r.Advance(pct, msg, o.now()) {
			return errUnchanged
		}
		return nil
	})
	if err != nil && err != errUnchanged {
		o.log.Debug().Str("deployment", id).Err(err).Msg("progress update skipped")
	}
}

func (o *Orchestrator) onWorkerExit(h *supervisor.Handle, err error) {
	o.log.Warn().Str("event", "worker_exit").Str("deployment", h.DeploymentID).Int("pid", h.PID).Int("port", h.Port).Err(err).Msg("worker exited unexpectedly")
}
