package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
models_dir: /tmp
ports:
  start: 9100
  end: 9110
timeouts:
  fetch: 90s
limits:
  memory_budget_mb: 4096
templates:
  nlp:
    command: python3
    args: ["-m", "serve", "--port", "{{port}}"]
`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.Ports.Start != 9100 || cfg.Ports.End != 9110 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Timeouts.Fetch.Std() != 90*time.Second || cfg.Limits.MemoryBudgetMB != 4096 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Templates["nlp"].Command != "python3" || len(cfg.Templates["nlp"].Args) != 4 {
		t.Fatalf("templates: %+v", cfg.Templates)
	}
	// Unset values keep their defaults.
	if cfg.Ports.Host != "127.0.0.1" || cfg.Timeouts.Startup.Std() != time.Minute || cfg.Store.Driver != "memory" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","store":{"driver":"sqlite","sqlite_path":"/var/lib/deployd.db"},"progress":{"heartbeat_interval":"5s","max_missed":2}}`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":7070" || cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/var/lib/deployd.db" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Progress.HeartbeatInterval.Std() != 5*time.Second || cfg.Progress.MaxMissed != 2 || cfg.Progress.BufferSize != 64 {
		t.Fatalf("progress: %+v", cfg.Progress)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", `addr = ":8081"
default_device = "cuda"

[timeouts]
stop_grace = "3s"

[s3]
endpoint = "http://minio:9000"
use_path_style = true
`)
	cfg, err := Load(p)
	if err != nil { t.Fatalf("load: %v", err) }
	if cfg.Addr != ":8081" || cfg.DefaultDevice != "cuda" || cfg.Timeouts.StopGrace.Std() != 3*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	s3, ok := cfg.S3Config()
	if !ok || s3.Endpoint != "http://minio:9000" || !s3.UsePathStyle { t.Fatalf("s3: %+v ok=%v", s3, ok) }
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil { t.Fatalf("expected error for empty path") }
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.ini", "addr=:1\n")
	if _, err := Load(p); err == nil || !strings.Contains(err.Error(), "unsupported") { t.Fatalf("err=%v", err) }
}

func TestEncodeRoundTripsDurations(t *testing.T) {
	for _, ext := range []string{"yaml", "json", "toml"} {
		b, err := Encode(Default(), ext)
		if err != nil { t.Fatalf("%s encode: %v", ext, err) }
		if !strings.Contains(string(b), "30m0s") { t.Fatalf("%s: fetch timeout not rendered as a duration:\n%s", ext, b) }
		p := writeTempFile(t, t.TempDir(), "cfg."+ext, string(b))
		cfg, err := Load(p)
		if err != nil { t.Fatalf("%s load: %v", ext, err) }
		if cfg.Timeouts.Fetch.Std() != 30*time.Minute || cfg.Ports.End != 8199 { t.Fatalf("%s: %+v", ext, cfg) }
	}
	if _, err := Encode(Default(), "ini"); err == nil { t.Fatalf("expected error for ini") }
}
