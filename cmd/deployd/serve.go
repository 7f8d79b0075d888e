package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"deployd/internal/artifact"
	"deployd/internal/common/fsutil"
	"deployd/internal/config"
	"deployd/internal/httpapi"
	"deployd/internal/orchestrator"
	"deployd/internal/ports"
	"deployd/internal/progress"
	"deployd/internal/registry"
	"deployd/internal/supervisor"
	"deployd/internal/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			log, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := newServer(ctx, cfg, log)
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				_ = srv.close()
				return err
			}
			return srv.serve(ctx, ln)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address, e.g. :8080")
	f.String("models-dir", "", "directory scanned for local model artifacts")
	f.String("cache-dir", "", "artifact cache directory")
	f.String("log-dir", "", "directory for per-deployment worker logs")
	f.String("log-level", "", "log level: trace|debug|info|warn|error")
	f.String("log-format", "", "log format: json|console")
	f.String("store", "", "registry store: memory|sqlite|redis")
	f.String("sqlite-path", "", "SQLite database file")
	f.String("redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	f.String("port-host", "", "interface workers bind to")
	f.Int("port-start", 0, "first worker port")
	f.Int("port-end", 0, "last worker port")
	f.Int("max-active", 0, "maximum active deployments (0=unlimited)")
	f.Int("memory-budget-mb", 0, "memory budget across deployments in MB (0=unlimited)")
	f.String("default-device", "", "device used when a request asks for auto and no accelerator is found")
	f.StringSlice("cors-origins", nil, "allowed CORS origins; enables CORS when set")
	f.Bool("keep-workers", false, "leave workers running on shutdown for the next start to adopt")
	return cmd
}

// applyServeFlags copies explicitly set flags over cfg.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	strs := map[string]*string{
		"addr":           &cfg.Addr,
		"models-dir":     &cfg.ModelsDir,
		"cache-dir":      &cfg.CacheDir,
		"log-dir":        &cfg.LogDir,
		"log-level":      &cfg.LogLevel,
		"log-format":     &cfg.LogFormat,
		"store":          &cfg.Store.Driver,
		"sqlite-path":    &cfg.Store.SQLitePath,
		"redis-url":      &cfg.Store.RedisURL,
		"port-host":      &cfg.Ports.Host,
		"default-device": &cfg.DefaultDevice,
	}
	for name, dst := range strs {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	ints := map[string]*int{
		"port-start":       &cfg.Ports.Start,
		"port-end":         &cfg.Ports.End,
		"max-active":       &cfg.Limits.MaxActive,
		"memory-budget-mb": &cfg.Limits.MemoryBudgetMB,
	}
	for name, dst := range ints {
		if !f.Changed(name) {
			continue
		}
		v, err := f.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if f.Changed("cors-origins") {
		origins, err := f.GetStringSlice("cors-origins")
		if err != nil {
			return err
		}
		cfg.HTTP.CORSOrigins = origins
		cfg.HTTP.CORSEnabled = len(origins) > 0
	}
	if f.Changed("keep-workers") {
		keep, err := f.GetBool("keep-workers")
		if err != nil {
			return err
		}
		cfg.StopWorkersOnShutdown = !keep
	}
	return nil
}

func newLogger(cfg config.Config, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if cfg.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "deployd").Logger(), nil
}

func openStore(ctx context.Context, cfg config.Config) (registry.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return registry.NewMemoryStore(), nil
	case "sqlite":
		path, err := fsutil.ExpandHome(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		return registry.NewSQLiteStore(path)
	case "redis":
		return registry.NewRedisStore(ctx, cfg.Store.RedisURL, cfg.Store.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// server owns every long-lived component of a running deployd.
type server struct {
	cfg  config.Config
	log  zerolog.Logger
	reg  *registry.Registry
	bus  *progress.Broadcaster
	orch *orchestrator.Orchestrator
	http *http.Server
}

func newServer(ctx context.Context, cfg config.Config, log zerolog.Logger) (*server, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	reg := registry.New(store, log.With().Str("component", "registry").Logger())
	fail := func(err error) (*server, error) {
		_ = reg.Close()
		return nil, err
	}

	fetcher, err := artifact.NewFetcher(cfg.CacheDir, log.With().Str("component", "fetcher").Logger())
	if err != nil {
		return fail(err)
	}
	fetcher.Register("hf", cfg.HFSource("deployd/"+version))
	if s3cfg, ok := cfg.S3Config(); ok {
		s3src, err := artifact.NewS3Source(ctx, s3cfg)
		if err != nil {
			return fail(fmt.Errorf("s3 source: %w", err))
		}
		fetcher.Register("s3", s3src)
	}

	alloc, err := ports.New(cfg.Ports.Host, cfg.Ports.Start, cfg.Ports.End)
	if err != nil {
		return fail(err)
	}
	var logDir string
	if cfg.LogDir != "" {
		if logDir, err = fsutil.ResolveDir(cfg.LogDir); err != nil {
			return fail(fmt.Errorf("log dir: %w", err))
		}
	}
	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return fail(err)
	}
	sup := supervisor.New(supervisor.Options{LogDir: logDir, Logger: log.With().Str("component", "supervisor").Logger()})
	loader := worker.NewTemplateLoader(cfg.WorkerTemplates(), log.With().Str("component", "loader").Logger())
	bus := progress.New(cfg.ProgressOptions(log.With().Str("component", "progress").Logger()))

	ocfg := cfg.OrchestratorConfig()
	ocfg.CacheDir = fetcher.CacheDir()
	orch, err := orchestrator.New(ocfg, orchestrator.Deps{
		Registry:    reg,
		Broadcaster: bus,
		Ports:       alloc,
		Fetcher:     fetcher,
		Loader:      loader,
		Supervisor:  sup,
		Logger:      log.With().Str("component", "orchestrator").Logger(),
	})
	if err != nil {
		return fail(err)
	}
	if err := orch.Reconcile(ctx); err != nil {
		return fail(err)
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetAPIPrefix(cfg.HTTP.APIPrefix)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetCORSOptions(cfg.HTTP.CORSEnabled, cfg.HTTP.CORSOrigins,
		[]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		[]string{"Content-Type", "X-Log-Level", "X-Request-Id"})
	mux := httpapi.NewMux(orchestrator.API{Orch: orch, ModelsDir: modelsDir, Cache: fetcher})

	return &server{
		cfg:  cfg,
		log:  log,
		reg:  reg,
		bus:  bus,
		orch: orch,
		http: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// serve runs until ctx ends, then drains HTTP, stops deployments and
// flushes the registry.
func (s *server) serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	httpapi.SetBaseContext(gctx)

	g.Go(func() error {
		s.bus.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info().Str("addr", ln.Addr().String()).Str("store", s.cfg.Store.Driver).Msg("deployd listening")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		grace := s.cfg.Timeouts.Shutdown.Std()
		if grace <= 0 {
			grace = 15 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		var errs []error
		if err := s.http.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := s.orch.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
		}
		s.log.Info().Msg("deployd stopped")
		return errors.Join(errs...)
	})
	err := g.Wait()
	if cerr := s.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *server) close() error {
	s.bus.Close()
	return s.reg.Close()
}
