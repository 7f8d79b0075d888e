package config

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil { t.Fatalf("default config invalid: %v", err) }
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Ports.Start, cfg.Ports.End = 9000, 8000
	cfg.Store.Driver = "etcd"
	cfg.LogFormat = "xml"
	cfg.Limits.MaxActive = -1
	cfg.Timeouts.StopGrace = Duration(-time.Second)
	cfg.Templates = map[string]TemplateConfig{"nlp": {Args: []string{"x"}}}
	err := cfg.Validate()
	if err == nil { t.Fatalf("expected errors") }
	for _, want := range []string{"ports", "store.driver", "log_format", "limits.max_active", "timeouts.stop_grace", "templates.nlp"} {
		if !strings.Contains(err.Error(), want) { t.Fatalf("missing %q in %v", want, err) }
	}
}

func TestValidateStoreRequirements(t *testing.T) {
	cfg := Default()
	cfg.Store = StoreConfig{Driver: "sqlite"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "sqlite_path") { t.Fatalf("err=%v", err) }
	cfg.Store = StoreConfig{Driver: "redis"}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "redis_url") { t.Fatalf("err=%v", err) }
}

func TestDurationText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte(" 1m30s ")); err != nil || d.Std() != 90*time.Second { t.Fatalf("d=%v err=%v", d, err) }
	if err := d.UnmarshalText(nil); err != nil || d != 0 { t.Fatalf("empty: d=%v err=%v", d, err) }
	if err := d.UnmarshalText([]byte("10")); err == nil { t.Fatalf("expected error for unitless value") }
	if b, _ := Duration(2 * time.Second).MarshalText(); string(b) != "2s" { t.Fatalf("marshal=%s", b) }
}

func TestWorkerTemplates(t *testing.T) {
	cfg := Default()
	if got := cfg.WorkerTemplates(); len(got) == 0 || got["nlp"].Command == "" { t.Fatalf("defaults=%v", got) }

	cfg.Templates = map[string]TemplateConfig{"onnx": {Command: "onnx-serve", Args: []string{"{{artifact}}"}, Extensions: []string{".onnx"}}}
	got := cfg.WorkerTemplates()
	if len(got) != 1 { t.Fatalf("templates=%v", got) }
	tpl := got["onnx"]
	if tpl.Command != "onnx-serve" || tpl.HealthPath != "/health" || tpl.Extensions[0] != ".onnx" { t.Fatalf("tpl=%+v", tpl) }
	cfg.Templates["onnx"].Args[0] = "changed"
	if got["onnx"].Args[0] != "{{artifact}}" { t.Fatalf("template args alias config slice") }
}

func TestOrchestratorConfig(t *testing.T) {
	cfg := Default()
	cfg.Limits.MaxActive = 5
	cfg.Store.Driver = "sqlite"
	oc := cfg.OrchestratorConfig()
	if oc.FetchTimeout != 30*time.Minute || oc.StopGrace != 10*time.Second || oc.MaxActiveDeployments != 5 || oc.StoreDriver != "sqlite" || !oc.StopWorkersOnShutdown {
		t.Fatalf("orchestrator config: %+v", oc)
	}
	if po := cfg.ProgressOptions(zerolog.Nop()); po.MaxMissed != 3 || po.HeartbeatInterval != 15*time.Second { t.Fatalf("progress: %+v", po) }
}

func TestSourcesFromConfig(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.S3Config(); ok { t.Fatalf("s3 enabled by default") }
	cfg.S3.AccessKeyID = "AKIA"
	if s3, ok := cfg.S3Config(); !ok || s3.AccessKeyID != "AKIA" { t.Fatalf("s3=%+v ok=%v", s3, ok) }

	cfg.HF = HFConfig{Endpoint: "https://mirror.example", Token: "hf_x"}
	hf := cfg.HFSource("deployd/test")
	if hf.Endpoint != "https://mirror.example" || hf.HTTP.Token != "hf_x" || hf.HTTP.UserAgent != "deployd/test" { t.Fatalf("hf=%+v", hf) }
}
