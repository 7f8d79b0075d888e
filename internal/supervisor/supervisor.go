// Package supervisor runs worker processes: spawn, health probing, exit
// watching and termination.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	readyPollInterval   = 100 * time.Millisecond
	adoptedPollInterval = 500 * time.Millisecond
	killWait            = 5 * time.Second
	tailSize            = 4096
)

// Spec is the validated configuration a worker is launched with.
type Spec struct {
	DeploymentID string
	Command      string
	Args         []string
	Env          []string
	Dir          string
	Host         string
	Port         int
	HealthPath   string
}

// Handle references one live (or recently exited) worker process.
type Handle struct {
	DeploymentID string
	PID          int
	Port         int
	BaseURL      string
	HealthPath   string
	Adopted      bool

	cmd         *exec.Cmd
	done        chan struct{}
	exitErr     error
	terminating atomic.Bool
	output      *tailBuffer
	logFile     *os.File
}

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the wait error once Done is closed.
func (h *Handle) ExitErr() error {
	<-h.done
	return h.exitErr
}

// Expected reports whether the exit was requested through Terminate.
func (h *Handle) Expected() bool { return h.terminating.Load() }

// Tail returns the last few KiB of combined worker output.
func (h *Handle) Tail() string {
	if h.output == nil {
		return ""
	}
	return h.output.String()
}

type startupTimeoutError struct{ baseURL string }

func (e startupTimeoutError) Error() string { return "worker not ready in time: " + e.baseURL }

// IsStartupTimeout reports whether WaitReady gave up waiting.
func IsStartupTimeout(err error) bool {
	_, ok := err.(startupTimeoutError)
	return ok
}

type earlyExitError struct {
	err  error
	tail string
}

func (e earlyExitError) Error() string {
	if e.err == nil {
		return "worker exited before ready"
	}
	return fmt.Sprintf("worker exited early: %v; output tail: %s", e.err, e.tail)
}

// IsEarlyExit reports whether the worker died before becoming ready.
func IsEarlyExit(err error) bool {
	_, ok := err.(earlyExitError)
	return ok
}

// Options configures a Supervisor.
type Options struct {
	// LogDir receives one <deployment>.log per worker; empty keeps only the in-memory tail.
	LogDir string
	Logger zerolog.Logger
}

// Supervisor tracks live worker handles.
type Supervisor struct {
	logDir     string
	httpClient *http.Client
	log        zerolog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
	onExit  func(*Handle, error)
}

// New constructs a Supervisor.
func New(opts Options) *Supervisor {
	// Timeout=0: every probe carries its own context deadline.
	return &Supervisor{
		logDir:     opts.LogDir,
		httpClient: &http.Client{Timeout: 0},
		log:        opts.Logger,
		handles:    make(map[string]*Handle),
	}
}

// SetExitHook installs fn, called from the watch goroutine when a worker
// exits without a Terminate request.
func (s *Supervisor) SetExitHook(fn func(*Handle, error)) {
	s.mu.Lock()
	s.onExit = fn
	s.mu.Unlock()
}

// Spawn starts the worker described by spec in its own process group.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	host := spec.Host
	if host == "" {
		host = "127.0.0.1"
	}
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = workerEnv(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		"DEPLOYD_DEPLOYMENT_ID="+spec.DeploymentID,
		"DEPLOYD_HOST="+host,
		"DEPLOYD_PORT="+strconv.Itoa(spec.Port),
	)
	setProcessGroup(cmd)

	tail := newTailBuffer(tailSize)
	var out io.Writer = tail
	var logFile *os.File
	if s.logDir != "" {
		if err := os.MkdirAll(s.logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(s.logDir, spec.DeploymentID+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log: %w", err)
		}
		logFile = f
		out = io.MultiWriter(f, tail)
	}
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		return nil, fmt.Errorf("start worker: %w", err)
	}
	hp := spec.HealthPath
	if hp == "" {
		hp = "/health"
	}
	h := &Handle{
		DeploymentID: spec.DeploymentID,
		PID:          cmd.Process.Pid,
		Port:         spec.Port,
		BaseURL:      "http://" + net.JoinHostPort(host, strconv.Itoa(spec.Port)),
		HealthPath:   hp,
		cmd:          cmd,
		done:         make(chan struct{}),
		output:       tail,
		logFile:      logFile,
	}
	s.track(h)
	s.log.Info().Str("event", "spawn").Str("deployment", spec.DeploymentID).Int("pid", h.PID).Int("port", spec.Port).Str("cmd", spec.Command).Msg("worker started")
	go s.watch(h)
	return h, nil
}

// Adopt attaches to a worker started by a previous orchestrator process.
// The process cannot be waited on, so its liveness is polled.
func (s *Supervisor) Adopt(deploymentID string, pid int, host string, port int, healthPath string) (*Handle, error) {
	if pid <= 0 || !processAlive(pid) {
		return nil, fmt.Errorf("process %d not running", pid)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	if healthPath == "" {
		healthPath = "/health"
	}
	h := &Handle{
		DeploymentID: deploymentID,
		PID:          pid,
		Port:         port,
		BaseURL:      "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		HealthPath:   healthPath,
		Adopted:      true,
		done:         make(chan struct{}),
	}
	s.track(h)
	s.log.Info().Str("event", "adopt").Str("deployment", deploymentID).Int("pid", pid).Int("port", port).Msg("worker adopted")
	go s.watchAdopted(h)
	return h, nil
}

func (s *Supervisor) track(h *Handle) {
	s.mu.Lock()
	s.handles[h.DeploymentID] = h
	s.mu.Unlock()
	liveWorkers.Inc()
}

func (s *Supervisor) watch(h *Handle) {
	err := h.cmd.Wait()
	if h.logFile != nil {
		_ = h.logFile.Close()
	}
	s.exited(h, err)
}

func (s *Supervisor) watchAdopted(h *Handle) {
	t := time.NewTicker(adoptedPollInterval)
	defer t.Stop()
	for range t.C {
		if !processAlive(h.PID) {
			s.exited(h, fmt.Errorf("adopted worker pid %d is gone", h.PID))
			return
		}
	}
}

func (s *Supervisor) exited(h *Handle, err error) {
	h.exitErr = err
	close(h.done)
	s.mu.Lock()
	if s.handles[h.DeploymentID] == h {
		delete(s.handles, h.DeploymentID)
	}
	hook := s.onExit
	s.mu.Unlock()
	liveWorkers.Dec()
	if h.Expected() {
		s.log.Info().Str("event", "exit").Str("deployment", h.DeploymentID).Int("pid", h.PID).Msg("worker stopped")
		return
	}
	workerExits.Inc()
	s.log.Warn().Str("event", "exit_unexpected").Str("deployment", h.DeploymentID).Int("pid", h.PID).Err(err).Msg("worker exited")
	if hook != nil {
		hook(h, err)
	}
}

// Get returns the live handle for a deployment.
func (s *Supervisor) Get(deploymentID string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[deploymentID]
	return h, ok
}

// Live returns the number of live workers.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// HealthCheck probes the worker's health endpoint once.
func (s *Supervisor) HealthCheck(ctx context.Context, h *Handle, timeout time.Duration) bool {
	if h.Exited() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+h.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// WaitReady polls the health endpoint until it succeeds, the worker exits,
// ctx ends or timeout elapses.
func (s *Supervisor) WaitReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(readyPollInterval)
	defer tick.Stop()
	for {
		probe := readyPollInterval * 10
		if s.HealthCheck(ctx, h, probe) {
			s.log.Info().Str("event", "ready").Str("deployment", h.DeploymentID).Int("pid", h.PID).Str("url", h.BaseURL).Msg("worker ready")
			return nil
		}
		select {
		case <-h.done:
			return earlyExitError{err: h.exitErr, tail: h.Tail()}
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.log.Warn().Str("event", "startup_timeout").Str("deployment", h.DeploymentID).Int("pid", h.PID).Msg("worker not ready")
			return startupTimeoutError{baseURL: h.BaseURL}
		case <-tick.C:
		}
	}
}

// Terminate stops the worker: SIGTERM to its process group, then SIGKILL once
// grace elapses. It returns when the process is gone.
func (s *Supervisor) Terminate(h *Handle, grace time.Duration) error {
	if h == nil || h.Exited() {
		return nil
	}
	h.terminating.Store(true)
	if err := signalGroup(h.PID, syscall.SIGTERM); err != nil && !h.Exited() {
		s.log.Debug().Str("deployment", h.DeploymentID).Int("pid", h.PID).Err(err).Msg("sigterm failed")
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}
	s.log.Warn().Str("event", "kill").Str("deployment", h.DeploymentID).Int("pid", h.PID).Dur("grace", grace).Msg("worker ignored SIGTERM")
	_ = signalGroup(h.PID, syscall.SIGKILL)
	select {
	case <-h.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("worker pid %d still running after kill", h.PID)
	}
}

// TerminateAll stops every live worker concurrently. Best effort.
func (s *Supervisor) TerminateAll(grace time.Duration) {
	s.mu.Lock()
	hs := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, h := range hs {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			_ = s.Terminate(h, grace)
		}(h)
	}
	wg.Wait()
}
