// Package fakeworker turns a test binary into a stand-in inference worker.
//
// A test package calls Main at the top of TestMain; when the binary was
// re-executed by a supervisor with the marker variable set, Main serves the
// worker protocol and exits instead of running tests.
package fakeworker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// EnvKey marks a process as a fake worker.
const EnvKey = "DEPLOYD_FAKE_WORKER"

// Modes select worker behaviour.
const (
	ModeServe      = "serve"       // healthy until SIGTERM
	ModeExit       = "exit"        // exits 3 before listening
	ModeNeverReady = "never-ready" // health answers 503
	ModeIgnoreTerm = "ignore-term" // healthy, survives SIGTERM
	ModeDegrade    = "degrade"     // healthy, then 503 after FAKE_WORKER_DEGRADE_AFTER
)

// Command returns the argv and environment that launch this binary as a fake
// worker in the given mode.
func Command(mode string) (cmd string, args []string, env []string) {
	return os.Args[0], []string{"-test.run=^$"}, []string{EnvKey + "=1", "FAKE_WORKER_MODE=" + mode}
}

// Main serves and exits when the process is a fake worker; otherwise it returns.
func Main() {
	if os.Getenv(EnvKey) == "" {
		return
	}
	os.Exit(run())
}

func run() int {
	mode := os.Getenv("FAKE_WORKER_MODE")
	if mode == "" {
		mode = ModeServe
	}
	if mode == ModeExit {
		fmt.Fprintln(os.Stderr, "fake worker: model failed to load")
		return 3
	}
	host := os.Getenv("DEPLOYD_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, os.Getenv("DEPLOYD_PORT"))

	var healthy atomic.Bool
	healthy.Store(mode != ModeNeverReady)
	if mode == ModeDegrade {
		d, err := time.ParseDuration(os.Getenv("FAKE_WORKER_DEGRADE_AFTER"))
		if err != nil {
			d = 200 * time.Millisecond
		}
		time.AfterFunc(d, func() { healthy.Store(false) })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		for range sigCh {
			if mode == ModeIgnoreTerm {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = srv.Shutdown(ctx)
			cancel()
			return
		}
	}()

	// FAKE_WORKER_ECHO_ENV names variables to report, comma separated.
	for _, k := range strings.Split(os.Getenv("FAKE_WORKER_ECHO_ENV"), ",") {
		if k == "" {
			continue
		}
		if v, ok := os.LookupEnv(k); ok {
			fmt.Fprintf(os.Stdout, "env %s=%s\n", k, v)
		} else {
			fmt.Fprintf(os.Stdout, "env %s unset\n", k)
		}
	}
	fmt.Fprintf(os.Stdout, "fake worker listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "fake worker: %v\n", err)
		return 1
	}
	return 0
}
