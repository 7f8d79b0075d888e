package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("DEPLOYD_ADDR", ":9090")
	t.Setenv("DEPLOYD_PORT_START", "9200")
	t.Setenv("DEPLOYD_PORT_END", "9299")
	t.Setenv("DEPLOYD_STORE", "redis")
	t.Setenv("DEPLOYD_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DEPLOYD_FETCH_TIMEOUT", "45s")
	t.Setenv("DEPLOYD_STOP_WORKERS_ON_SHUTDOWN", "false")
	t.Setenv("DEPLOYD_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("HUGGINGFACE_TOKEN", "hf_env")
	t.Setenv("AWS_REGION", "eu-west-1")
	EnvFile = "testdata-does-not-exist.env"
	t.Cleanup(func() { EnvFile = ".env" })

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil { t.Fatalf("apply: %v", err) }
	if cfg.Addr != ":9090" || cfg.Ports.Start != 9200 || cfg.Ports.End != 9299 || cfg.Store.Driver != "redis" || cfg.Store.RedisURL == "" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Timeouts.Fetch.Std() != 45*time.Second || cfg.StopWorkersOnShutdown {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.HTTP.CORSOrigins) != 2 || cfg.HTTP.CORSOrigins[1] != "https://b.example" { t.Fatalf("origins=%v", cfg.HTTP.CORSOrigins) }
	if cfg.HF.Token != "hf_env" || cfg.S3.Region != "eu-west-1" { t.Fatalf("hf=%+v s3=%+v", cfg.HF, cfg.S3) }
	if err := cfg.Validate(); err != nil { t.Fatalf("validate: %v", err) }
}

func TestApplyEnvPrefersDeploydToken(t *testing.T) {
	t.Setenv("HUGGINGFACE_TOKEN", "generic")
	t.Setenv("DEPLOYD_HF_TOKEN", "specific")
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil { t.Fatalf("apply: %v", err) }
	if cfg.HF.Token != "specific" { t.Fatalf("token=%q", cfg.HF.Token) }
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	t.Setenv("DEPLOYD_PORT_END", "lots")
	t.Setenv("DEPLOYD_STARTUP_TIMEOUT", "whenever")
	t.Setenv("DEPLOYD_ADDR", ":7000")
	cfg := Default()
	err := cfg.ApplyEnv()
	if err == nil || !strings.Contains(err.Error(), "DEPLOYD_PORT_END") || !strings.Contains(err.Error(), "DEPLOYD_STARTUP_TIMEOUT") {
		t.Fatalf("err=%v", err)
	}
	if cfg.Addr != ":7000" || cfg.Ports.End != 8199 { t.Fatalf("good values should still apply: %+v", cfg) }
}

func TestApplyEnvReadsDotEnv(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "deployd.env", "DEPLOYD_MODELS_DIR=/srv/models\nDEPLOYD_MAX_ACTIVE=3\n")
	EnvFile = p
	t.Cleanup(func() { EnvFile = ".env" })
	t.Setenv("DEPLOYD_ADDR", ":7100")
	for _, k := range []string{"DEPLOYD_MODELS_DIR", "DEPLOYD_MAX_ACTIVE"} {
		k := k
		if _, set := os.LookupEnv(k); set { t.Skipf("%s set in the environment", k) }
		t.Cleanup(func() { _ = os.Unsetenv(k) })
	}

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil { t.Fatalf("apply: %v", err) }
	if cfg.ModelsDir != "/srv/models" || cfg.Limits.MaxActive != 3 { t.Fatalf("dotenv not applied: %+v", cfg) }
	// The process environment wins over the file.
	if cfg.Addr != ":7100" { t.Fatalf("addr=%q", cfg.Addr) }
}

func TestSplitCSV(t *testing.T) {
	cases := []struct{ in string; want []string }{
		{"a,b,c", []string{"a","b","c"}},
		{" a , b , c ", []string{"a","b","c"}},
		{"a,,c", []string{"a","c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) { t.Fatalf("%q -> %v, want %v", c.in, got, c.want) }
		for i := range got {
			if got[i] != c.want[i] { t.Fatalf("%q -> %v, want %v", c.in, got, c.want) }
		}
	}
}
