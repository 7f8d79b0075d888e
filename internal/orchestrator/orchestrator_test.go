package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"deployd/internal/artifact"
	"deployd/internal/domain"
	"deployd/internal/ports"
	"deployd/internal/progress"
	"deployd/internal/registry"
	"deployd/internal/supervisor"
	"deployd/internal/testutil/fakeworker"
	"deployd/internal/worker"
)

func TestMain(m *testing.M) {
	fakeworker.Main()
	os.Exit(m.Run())
}

const (
	portStart = 23100
	portEnd   = 23199
	waitLimit = 20 * time.Second
)

type harness struct {
	o     *Orchestrator
	reg   *registry.Registry
	bus   *progress.Broadcaster
	ports *ports.Allocator
	sup   *supervisor.Supervisor
	pub   *progress.MemoryPublisher
	fetch *artifact.Fetcher
}

func fakeTemplate(mode string, extra ...string) worker.Template {
	cmd, args, env := fakeworker.Command(mode)
	return worker.Template{Command: cmd, Args: args, Env: append(env, extra...), HealthPath: "/health"}
}

func testTemplates() map[string]worker.Template {
	onnx := fakeTemplate(fakeworker.ModeServe)
	onnx.Extensions = []string{".onnx"}
	return map[string]worker.Template{
		"nlp":    fakeTemplate(fakeworker.ModeServe),
		"broken": fakeTemplate(fakeworker.ModeExit),
		"stuck":  fakeTemplate(fakeworker.ModeNeverReady),
		"flaky":  fakeTemplate(fakeworker.ModeDegrade, "FAKE_WORKER_DEGRADE_AFTER=300ms"),
		"onnx":   onnx,
	}
}

func newHarness(t *testing.T, cfg Config, store registry.Store) *harness {
	t.Helper()
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 100 * time.Millisecond
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 2 * time.Second
	}
	reg := registry.New(store, zerolog.Nop())
	bus := progress.New(progress.Options{BufferSize: 256, Logger: zerolog.Nop()})
	alloc, err := ports.New("127.0.0.1", portStart, portEnd)
	if err != nil { t.Fatalf("ports: %v", err) }
	fetch, err := artifact.NewFetcher(t.TempDir(), zerolog.Nop())
	if err != nil { t.Fatalf("fetcher: %v", err) }
	sup := supervisor.New(supervisor.Options{LogDir: t.TempDir(), Logger: zerolog.Nop()})
	pub := progress.NewMemoryPublisher()
	o, err := New(cfg, Deps{
		Registry:    reg,
		Broadcaster: bus,
		Ports:       alloc,
		Fetcher:     fetch,
		Loader:      worker.NewTemplateLoader(testTemplates(), zerolog.Nop()),
		Supervisor:  sup,
		Publisher:   pub,
		Logger:      zerolog.Nop(),
	})
	if err != nil { t.Fatalf("new: %v", err) }
	h := &harness{o: o, reg: reg, bus: bus, ports: alloc, sup: sup, pub: pub, fetch: fetch}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
		sup.TerminateAll(time.Second)
		_ = reg.Close()
	})
	return h
}

func localArtifact(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("weights"), 0o644); err != nil { t.Fatalf("write: %v", err) }
	return p
}

func (h *harness) waitFor(t *testing.T, id string, pred func(domain.Record) bool) domain.Record {
	t.Helper()
	deadline := time.Now().Add(waitLimit)
	for time.Now().Before(deadline) {
		rec, err := h.o.Get(id)
		if err != nil { t.Fatalf("get %s: %v", id, err) }
		if pred(rec) {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := h.o.Get(id)
	t.Fatalf("condition not met for %s; last state %s (%s)", id, rec.State, rec.Message)
	return rec
}

func (h *harness) waitState(t *testing.T, id string, want domain.State) domain.Record {
	t.Helper()
	return h.waitFor(t, id, func(r domain.Record) bool { return r.State == want || (r.State.Terminal() && want != r.State) })
}

func mustState(t *testing.T, rec domain.Record, want domain.State) {
	t.Helper()
	if rec.State != want {
		msg := rec.Message
		if rec.Error != nil {
			msg = string(rec.Error.Kind) + ": " + rec.Error.Message
		}
		t.Fatalf("state = %s (%s), want %s", rec.State, msg, want)
	}
}

func mustFail(t *testing.T, rec domain.Record, kind domain.ErrorKind) {
	t.Helper()
	mustState(t, rec, domain.StateFailed)
	if rec.Error == nil || rec.Error.Kind != kind { t.Fatalf("error = %+v, want %s", rec.Error, kind) }
	if rec.Port != 0 || rec.PID != 0 { t.Fatalf("terminal record keeps port=%d pid=%d", rec.Port, rec.PID) }
}

func (h *harness) assertNoResources(t *testing.T, id string) {
	t.Helper()
	if l, ok := h.ports.LeaseOf(id); ok { t.Fatalf("port %d still leased", l.Port) }
	if _, ok := h.sup.Get(id); ok { t.Fatalf("worker still live") }
}

func visited(rec domain.Record, s domain.State) bool {
	for _, tr := range rec.History {
		if tr.State == s {
			return true
		}
	}
	return false
}

// blockingServer advertises size bytes, sends sent of them and then stalls
// until the client goes away or the test ends.
func blockingServer(t *testing.T, size, sent int) *httptest.Server {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))
		if sent > 0 {
			_, _ = w.Write(make([]byte, sent))
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func TestDeployRunsAndStops(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rec, err := h.o.Submit(domain.Request{Name: "bert", Source: localArtifact(t, "model.bin"), Kind: "NLP"})
	if err != nil { t.Fatalf("submit: %v", err) }
	if rec.State != domain.StatePending || rec.Request.Kind != "nlp" { t.Fatalf("submitted = %+v", rec) }

	run := h.waitState(t, rec.ID, domain.StateRunning)
	mustState(t, run, domain.StateRunning)
	if run.Progress != 100 || run.CompletedAt == nil { t.Fatalf("running record = %+v", run) }
	if run.Port < portStart || run.Port > portEnd || run.PID <= 0 { t.Fatalf("port=%d pid=%d", run.Port, run.PID) }
	if l, ok := h.ports.LeaseOf(rec.ID); !ok || l.Port != run.Port { t.Fatalf("lease = %+v %v", l, ok) }
	hd, ok := h.sup.Get(rec.ID)
	if !ok || !h.sup.HealthCheck(context.Background(), hd, time.Second) { t.Fatalf("worker not live and healthy") }

	want := []domain.State{domain.StatePending, domain.StateValidating, domain.StateFetchingArtifact, domain.StateLoadingModel,
		domain.StateBuildingPipeline, domain.StateStartingWorker, domain.StateRunning}
	if len(run.History) != len(want) { t.Fatalf("history = %+v", run.History) }
	for i, s := range want {
		if run.History[i].State != s { t.Fatalf("history[%d] = %s, want %s", i, run.History[i].State, s) }
	}
	events := h.pub.For(rec.ID)
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress { t.Fatalf("progress regressed: %d -> %d", events[i-1].Progress, events[i].Progress) }
		if events[i].Seq <= events[i-1].Seq { t.Fatalf("seq not increasing at %d", i) }
	}
	if len(events) < len(want) { t.Fatalf("events = %d, want at least one per transition", len(events)) }

	if _, err := h.o.Stop(rec.ID); err != nil { t.Fatalf("stop: %v", err) }
	stopped := h.waitState(t, rec.ID, domain.StateStopped)
	mustState(t, stopped, domain.StateStopped)
	if stopped.Progress != 100 { t.Fatalf("stopped progress = %d", stopped.Progress) }
	if err := h.o.Wait(context.Background(), rec.ID); err != nil { t.Fatalf("wait: %v", err) }
	h.assertNoResources(t, rec.ID)
	if _, err := h.o.Stop(rec.ID); err != nil { t.Fatalf("stop is not idempotent: %v", err) }
}

func TestFetchTimeoutNeverAllocatesPort(t *testing.T) {
	before := testutil.ToFloat64(deploymentFailures.WithLabelValues(string(domain.KindFetchTimeout)))
	srv := blockingServer(t, 1000, 0)
	h := newHarness(t, Config{FetchTimeout: 2 * time.Second}, nil)
	start := time.Now()
	rec, err := h.o.Submit(domain.Request{Name: "slow", Source: srv.URL + "/model.bin", Kind: "nlp"})
	if err != nil { t.Fatalf("submit: %v", err) }
	done := h.waitState(t, rec.ID, domain.StateFailed)
	mustFail(t, done, domain.KindFetchTimeout)
	if el := time.Since(start); el < 2*time.Second || el > 4*time.Second { t.Fatalf("failed after %s", el) }
	if done.Error.Category != domain.CategoryRetryLater { t.Fatalf("category = %s", done.Error.Category) }
	if visited(done, domain.StateBuildingPipeline) { t.Fatalf("reached port allocation") }
	if len(h.ports.Leased()) != 0 { t.Fatalf("leases = %+v", h.ports.Leased()) }
	if got := testutil.ToFloat64(deploymentFailures.WithLabelValues(string(domain.KindFetchTimeout))) - before; got != 1 { t.Fatalf("failure metric delta = %v", got) }
}

func TestDuplicateNameSingleWinner(t *testing.T) {
	srv := blockingServer(t, 1000, 0)
	h := newHarness(t, Config{}, nil)
	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := h.o.Submit(domain.Request{Name: "twin", Source: srv.URL + "/m" + strconv.Itoa(i), Kind: "nlp"})
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	failed, winners := 0, 0
	for _, id := range ids {
		rec := h.waitFor(t, id, func(r domain.Record) bool {
			return r.State == domain.StateFetchingArtifact || r.State.Terminal()
		})
		switch {
		case rec.State == domain.StateFailed:
			failed++
			if rec.Error.Kind != domain.KindInvalidRequest || visited(rec, domain.StateValidating) { t.Fatalf("loser = %+v", rec) }
		case visited(rec, domain.StateValidating):
			winners++
		}
	}
	if failed != 1 || winners != 1 { t.Fatalf("failed=%d winners=%d", failed, winners) }
}

func TestDuplicateNameRejectedWhileQueued(t *testing.T) {
	srv := blockingServer(t, 1000, 0)
	h := newHarness(t, Config{MaxConcurrentTasks: 1}, nil)
	busy, _ := h.o.Submit(domain.Request{Name: "busy", Source: srv.URL + "/a", Kind: "nlp"})
	h.waitState(t, busy.ID, domain.StateFetchingArtifact)

	queued, err := h.o.Submit(domain.Request{Name: "queued", Source: srv.URL + "/b", Kind: "nlp"})
	if err != nil { t.Fatalf("submit: %v", err) }
	dup, err := h.o.Submit(domain.Request{Name: "queued", Source: srv.URL + "/c", Kind: "nlp"})
	if err != nil { t.Fatalf("submit duplicate: %v", err) }
	mustFail(t, dup, domain.KindInvalidRequest)
	if !strings.Contains(dup.Error.Message, queued.ID) { t.Fatalf("error = %q", dup.Error.Message) }
	if cur, _ := h.o.Get(queued.ID); cur.State != domain.StatePending { t.Fatalf("queued state = %s", cur.State) }

	if _, err := h.o.Stop(queued.ID); err != nil { t.Fatalf("stop: %v", err) }
	mustState(t, h.waitState(t, queued.ID, domain.StateStopped), domain.StateStopped)
	if _, held := h.reg.NameOwner("queued"); held { t.Fatalf("stopped pending deployment kept its name") }
	again, err := h.o.Submit(domain.Request{Name: "queued", Source: srv.URL + "/d", Kind: "nlp"})
	if err != nil || again.State != domain.StatePending { t.Fatalf("resubmit = %+v, %v", again, err) }
}

func TestStopRightAfterSubmitReleasesName(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	for i := 0; i < 10; i++ {
		rec, err := h.o.Submit(domain.Request{Name: "flash", Source: localArtifact(t, "m.bin"), Kind: "nlp"})
		if err != nil { t.Fatalf("submit %d: %v", i, err) }
		if rec.State != domain.StatePending { t.Fatalf("submit %d rejected: %+v", i, rec.Error) }
		if _, err := h.o.Stop(rec.ID); err != nil { t.Fatalf("stop %d: %v", i, err) }
		done := h.waitFor(t, rec.ID, func(r domain.Record) bool { return r.State.Terminal() })
		mustState(t, done, domain.StateStopped)
		if err := h.o.Wait(context.Background(), rec.ID); err != nil { t.Fatalf("wait: %v", err) }
		if owner, held := h.reg.NameOwner("flash"); held { t.Fatalf("name still held by %s", owner) }
	}
}

func TestWorkerPIDRecordedBeforeReady(t *testing.T) {
	h := newHarness(t, Config{StartupTimeout: 15 * time.Second}, nil)
	rec, _ := h.o.Submit(domain.Request{Name: "slowstart", Source: localArtifact(t, "m.bin"), Kind: "stuck"})
	starting := h.waitFor(t, rec.ID, func(r domain.Record) bool {
		return r.State.Terminal() || (r.State == domain.StateStartingWorker && r.PID > 0)
	})
	mustState(t, starting, domain.StateStartingWorker)
	hd, ok := h.sup.Get(rec.ID)
	if !ok || hd.PID != starting.PID || hd.Port != starting.Port { t.Fatalf("record pid=%d port=%d, worker %+v", starting.PID, starting.Port, hd) }

	if _, err := h.o.Stop(rec.ID); err != nil { t.Fatalf("stop: %v", err) }
	mustState(t, h.waitState(t, rec.ID, domain.StateStopped), domain.StateStopped)
}

func TestWorkerCrashReleasesPort(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	rec, _ := h.o.Submit(domain.Request{Name: "crashy", Source: localArtifact(t, "m.bin"), Kind: "nlp"})
	run := h.waitState(t, rec.ID, domain.StateRunning)
	mustState(t, run, domain.StateRunning)

	p, err := os.FindProcess(run.PID)
	if err != nil { t.Fatalf("find process: %v", err) }
	_ = p.Kill()
	start := time.Now()
	done := h.waitState(t, rec.ID, domain.StateFailed)
	mustFail(t, done, domain.KindWorkerCrashed)
	if time.Since(start) > 2*time.Second { t.Fatalf("crash noticed after %s", time.Since(start)) }
	_ = h.o.Wait(context.Background(), rec.ID)
	h.assertNoResources(t, rec.ID)

	l, err := h.ports.Acquire("next", run.Port)
	if err != nil || l.Port != run.Port { t.Fatalf("port not reusable: %+v %v", l, err) }
	h.ports.Release(l)
}

func TestStopMidFetchLeavesNoArtifact(t *testing.T) {
	srv := blockingServer(t, 10<<20, 2<<20)
	h := newHarness(t, Config{}, nil)
	source := srv.URL + "/big.bin"
	rec, _ := h.o.Submit(domain.Request{Name: "midfetch", Source: source, Kind: "nlp"})
	h.waitFor(t, rec.ID, func(r domain.Record) bool { return r.State == domain.StateFetchingArtifact && r.Progress > domain.FetchBandStart })

	start := time.Now()
	if _, err := h.o.Stop(rec.ID); err != nil { t.Fatalf("stop: %v", err) }
	done := h.waitState(t, rec.ID, domain.StateStopped)
	mustState(t, done, domain.StateStopped)
	if time.Since(start) > 5*time.Second { t.Fatalf("stop took %s", time.Since(start)) }
	if visited(done, domain.StateStartingWorker) { t.Fatalf("worker spawned") }
	h.assertNoResources(t, rec.ID)

	dir := filepath.Join(h.fetch.CacheDir(), artifact.CacheKey(source))
	if _, err := os.Stat(filepath.Join(dir, ".complete")); err == nil { t.Fatalf("partial artifact marked complete") }
	if cached, _ := h.fetch.Cached(); len(cached) != 0 { t.Fatalf("cache lists %+v", cached) }
}

func TestLateSubscriberGetsSnapshot(t *testing.T) {
	srv := blockingServer(t, 1000, 700) // 10 + 45*0.7 = 41%
	h := newHarness(t, Config{}, nil)
	rec, _ := h.o.Submit(domain.Request{Name: "late", Source: srv.URL + "/m.bin", Kind: "nlp"})
	h.waitFor(t, rec.ID, func(r domain.Record) bool { return r.Progress >= 40 })

	sub, err := h.o.Subscribe(rec.ID)
	if err != nil { t.Fatalf("subscribe: %v", err) }
	defer sub.Close()
	select {
	case ev := <-sub.Events():
		if ev.Type != domain.EventProgress || ev.Progress < 40 || ev.State != domain.StateFetchingArtifact { t.Fatalf("snapshot = %+v", ev) }
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot")
	}
	if _, err := h.o.Subscribe("missing"); !IsNotFound(err) { t.Fatalf("subscribe unknown: %v", err) }

	_, _ = h.o.Stop(rec.ID)
	for ev := range sub.Events() {
		if ev.Type == domain.EventProgress && ev.State == domain.StateStopped {
			return
		}
	}
	t.Fatalf("stream closed before the stopped event")
}

func TestStartupFailures(t *testing.T) {
	h := newHarness(t, Config{StartupTimeout: 500 * time.Millisecond}, nil)
	stuck, _ := h.o.Submit(domain.Request{Name: "stuck", Source: localArtifact(t, "m.bin"), Kind: "stuck"})
	broken, _ := h.o.Submit(domain.Request{Name: "broken", Source: localArtifact(t, "m.bin"), Kind: "broken"})

	mustFail(t, h.waitState(t, stuck.ID, domain.StateFailed), domain.KindStartupTimeout)
	b := h.waitState(t, broken.ID, domain.StateFailed)
	mustFail(t, b, domain.KindSpawnError)
	if b.Error.Category != domain.CategoryOperator { t.Fatalf("category = %s", b.Error.Category) }
	for _, id := range []string{stuck.ID, broken.ID} {
		_ = h.o.Wait(context.Background(), id)
		h.assertNoResources(t, id)
	}
	if h.sup.Live() != 0 { t.Fatalf("live workers = %d", h.sup.Live()) }
}

func TestUnhealthyWorkerFails(t *testing.T) {
	h := newHarness(t, Config{HealthInterval: 100 * time.Millisecond, UnhealthyThreshold: 2}, nil)
	rec, _ := h.o.Submit(domain.Request{Name: "flaky", Source: localArtifact(t, "m.bin"), Kind: "flaky"})
	done := h.waitState(t, rec.ID, domain.StateFailed)
	if !visited(done, domain.StateRunning) { t.Fatalf("never ran: %+v", done.History) }
	mustFail(t, done, domain.KindWorkerUnhealthy)
	_ = h.o.Wait(context.Background(), rec.ID)
	h.assertNoResources(t, rec.ID)
}

func TestRejectionsAndLoadErrors(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	if _, err := h.o.Submit(domain.Request{Source: "/x", Kind: "nlp"}); !IsInvalidRequest(err) { t.Fatalf("missing name: %v", err) }
	if len(h.o.List()) != 0 { t.Fatalf("invalid request entered the registry") }

	unknown, _ := h.o.Submit(domain.Request{Name: "u", Source: localArtifact(t, "m.bin"), Kind: "speech"})
	mustFail(t, h.waitState(t, unknown.ID, domain.StateFailed), domain.KindInvalidRequest)

	port, _ := h.o.Submit(domain.Request{Name: "p", Source: localArtifact(t, "m.bin"), Kind: "nlp", PreferredPort: 80})
	mustFail(t, h.waitState(t, port.ID, domain.StateFailed), domain.KindInvalidRequest)

	ext, _ := h.o.Submit(domain.Request{Name: "e", Source: localArtifact(t, "m.bin"), Kind: "onnx"})
	le := h.waitState(t, ext.ID, domain.StateFailed)
	mustFail(t, le, domain.KindLoadError)
	if le.ArtifactPath == "" { t.Fatalf("artifact path not recorded") }

	missing, _ := h.o.Submit(domain.Request{Name: "nf", Source: "/definitely/not/here.bin", Kind: "nlp"})
	mustFail(t, h.waitState(t, missing.ID, domain.StateFailed), domain.KindFetchNotFound)
}

func TestCapacityLimits(t *testing.T) {
	h := newHarness(t, Config{MaxActiveDeployments: 1, MemoryBudgetMB: 1000}, nil)
	big, _ := h.o.Submit(domain.Request{Name: "big", Source: localArtifact(t, "m.bin"), Kind: "stuck", MemoryLimitMB: 2000})
	mustFail(t, h.waitState(t, big.ID, domain.StateFailed), domain.KindCapacityExceeded)

	first, _ := h.o.Submit(domain.Request{Name: "one", Source: localArtifact(t, "m.bin"), Kind: "nlp", MemoryLimitMB: 500})
	mustState(t, h.waitState(t, first.ID, domain.StateRunning), domain.StateRunning)
	second, _ := h.o.Submit(domain.Request{Name: "two", Source: localArtifact(t, "m.bin"), Kind: "nlp"})
	f := h.waitState(t, second.ID, domain.StateFailed)
	mustFail(t, f, domain.KindCapacityExceeded)
	if f.Error.Category != domain.CategoryRetryLater { t.Fatalf("category = %s", f.Error.Category) }

	st := h.o.Status()
	if st.Active != 1 || st.UsedMB != 500 || st.States["failed"] != 2 || len(st.Leases) != 1 { t.Fatalf("status = %+v", st) }
}

func TestRetryAndRemove(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	bad, _ := h.o.Submit(domain.Request{Name: "again", Source: localArtifact(t, "m.bin"), Kind: "broken"})
	mustFail(t, h.waitState(t, bad.ID, domain.StateFailed), domain.KindSpawnError)
	if _, err := h.o.Stop(bad.ID); !IsConflict(err) { t.Fatalf("stop failed deployment: %v", err) }

	next, err := h.o.Retry(bad.ID)
	if err != nil { t.Fatalf("retry: %v", err) }
	if next.ID == bad.ID || next.Attempt != 2 || next.RetryOf != bad.ID { t.Fatalf("retry record = %+v", next) }
	mustFail(t, h.waitState(t, next.ID, domain.StateFailed), domain.KindSpawnError)

	ok, _ := h.o.Submit(domain.Request{Name: "removable", Source: localArtifact(t, "m.bin"), Kind: "nlp"})
	mustState(t, h.waitState(t, ok.ID, domain.StateRunning), domain.StateRunning)
	if _, err := h.o.Retry(ok.ID); !IsConflict(err) { t.Fatalf("retry running: %v", err) }
	if err := h.o.Remove(context.Background(), ok.ID); err != nil { t.Fatalf("remove: %v", err) }
	if _, err := h.o.Get(ok.ID); !IsNotFound(err) { t.Fatalf("get removed: %v", err) }
	h.assertNoResources(t, ok.ID)
	if err := h.o.Remove(context.Background(), ok.ID); !IsNotFound(err) { t.Fatalf("remove twice: %v", err) }
}

func TestReconcileAdoptsAndOrphans(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "deployd.db")
	store1, err := registry.NewSQLiteStore(dbPath)
	if err != nil { t.Fatalf("store: %v", err) }
	h1 := newHarness(t, Config{StopWorkersOnShutdown: false}, store1)
	rec, _ := h1.o.Submit(domain.Request{Name: "survivor", Source: localArtifact(t, "m.bin"), Kind: "nlp"})
	run := h1.waitState(t, rec.ID, domain.StateRunning)
	mustState(t, run, domain.StateRunning)
	stale := domain.NewRecord("stale-1", domain.Request{Name: "stale", Source: "/x", Kind: "nlp"}, time.Now())
	_ = stale.Transition(domain.StateValidating, "v", time.Now())
	_ = stale.Transition(domain.StateFetchingArtifact, "f", time.Now())
	if err := h1.reg.Create(stale); err != nil { t.Fatalf("create: %v", err) }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h1.o.Shutdown(ctx); err != nil { t.Fatalf("shutdown: %v", err) }
	if err := h1.reg.Close(); err != nil { t.Fatalf("close: %v", err) }
	if _, ok := h1.sup.Get(rec.ID); !ok { t.Fatalf("worker gone after detach") }

	store2, err := registry.NewSQLiteStore(dbPath)
	if err != nil { t.Fatalf("reopen: %v", err) }
	h2 := newHarness(t, Config{}, store2)
	if err := h2.o.Reconcile(ctx); err != nil { t.Fatalf("reconcile: %v", err) }

	adopted, err := h2.o.Get(rec.ID)
	if err != nil { t.Fatalf("get: %v", err) }
	mustState(t, adopted, domain.StateRunning)
	if l, ok := h2.ports.LeaseOf(rec.ID); !ok || l.Port != run.Port { t.Fatalf("adopted lease = %+v %v", l, ok) }
	mustFail(t, h2.waitState(t, "stale-1", domain.StateFailed), domain.KindOrphaned)
	if owner, _ := h2.reg.NameOwner("stale"); owner != "" { t.Fatalf("orphan kept its name") }

	if _, err := h2.o.Stop(rec.ID); err != nil { t.Fatalf("stop adopted: %v", err) }
	mustState(t, h2.waitState(t, rec.ID, domain.StateStopped), domain.StateStopped)
	h2.assertNoResources(t, rec.ID)
}

func TestFetchPercentBands(t *testing.T) {
	cases := []struct {
		got, want int
	}{
		{fetchPercent(artifact.Progress{BytesSoFar: 0, TotalBytes: 100}), 10},
		{fetchPercent(artifact.Progress{BytesSoFar: 50, TotalBytes: 100}), 32},
		{fetchPercent(artifact.Progress{BytesSoFar: 100, TotalBytes: 100}), 55},
		{fetchPercent(artifact.Progress{BytesSoFar: 200, TotalBytes: 100}), 55},
		{fetchPercent(artifact.Progress{BytesSoFar: 64 << 20, TotalBytes: -1}), 12},
		{fetchPercent(artifact.Progress{BytesSoFar: 100 << 30, TotalBytes: -1}), 54},
	}
	for i, c := range cases {
		if c.got != c.want { t.Fatalf("case %d: got %d want %d", i, c.got, c.want) }
	}
}

func TestResolveDevice(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "")
	if d := resolveDevice("auto", "cpu"); d != "cpu" { t.Fatalf("auto without gpu = %s", d) }
	if d := resolveDevice("mps", "cpu"); d != "mps" { t.Fatalf("explicit = %s", d) }
	t.Setenv("CUDA_VISIBLE_DEVICES", "0,1")
	if d := resolveDevice("auto", "cpu"); d != "cuda" { t.Fatalf("auto with gpu = %s", d) }
}
