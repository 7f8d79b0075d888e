package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// LoadRequest is what the orchestrator hands the runtime once the artifact is local.
type LoadRequest struct {
	DeploymentID string
	Name         string
	Kind         string
	ArtifactPath string
	Device       string
	Workers      int
	BatchSize    int
}

// Entrypoint is a ready-to-spawn worker command. Host and port placeholders
// remain unrendered until a port is leased.
type Entrypoint struct {
	Command    string
	Args       []string
	Env        []string
	Dir        string
	HealthPath string
	vars       Vars
}

// Render fills the host and port placeholders.
func (e Entrypoint) Render(host string, port int) Entrypoint {
	v := e.vars
	v.Host, v.Port = host, port
	r := v.replacer()
	out := e
	out.Command = r.Replace(e.Command)
	out.Args = render(r, e.Args)
	out.Env = render(r, e.Env)
	out.Dir = r.Replace(e.Dir)
	out.vars = v
	return out
}

// LoadError means the runtime rejected the artifact.
type LoadError struct {
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *LoadError) Unwrap() error { return e.Err }

// IsLoadError reports whether err is a runtime rejection.
func IsLoadError(err error) bool {
	var le *LoadError
	return errors.As(err, &le)
}

// Loader resolves a worker entrypoint for an artifact.
type Loader interface {
	Kinds() []string
	Load(ctx context.Context, req LoadRequest) (Entrypoint, error)
}

// TemplateLoader is a Loader driven by per-kind templates.
type TemplateLoader struct {
	templates map[string]Template
	log       zerolog.Logger
}

// NewTemplateLoader builds a loader; nil or empty templates fall back to DefaultTemplates.
func NewTemplateLoader(templates map[string]Template, log zerolog.Logger) *TemplateLoader {
	if len(templates) == 0 {
		templates = DefaultTemplates()
	}
	cp := make(map[string]Template, len(templates))
	for k, t := range templates {
		cp[strings.ToLower(k)] = t
	}
	return &TemplateLoader{templates: cp, log: log}
}

// Templates returns the configured templates keyed by kind.
func (l *TemplateLoader) Templates() map[string]Template {
	out := make(map[string]Template, len(l.templates))
	for k, t := range l.templates {
		out[k] = t
	}
	return out
}

// Kinds lists the supported artifact kinds in sorted order.
func (l *TemplateLoader) Kinds() []string {
	out := make([]string, 0, len(l.templates))
	for k := range l.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load checks the artifact against the template and runs the template's
// pre-flight check bounded by ctx.
func (l *TemplateLoader) Load(ctx context.Context, req LoadRequest) (Entrypoint, error) {
	t, ok := l.templates[req.Kind]
	if !ok {
		return Entrypoint{}, &LoadError{Reason: fmt.Sprintf("no worker template for kind %q", req.Kind)}
	}
	fi, err := os.Stat(req.ArtifactPath)
	if err != nil {
		return Entrypoint{}, &LoadError{Reason: "artifact unreadable", Err: err}
	}
	if !fi.IsDir() && len(t.Extensions) > 0 && !hasExtension(req.ArtifactPath, t.Extensions) {
		return Entrypoint{}, &LoadError{Reason: fmt.Sprintf("artifact %s not accepted by %s runtime (want %s)",
			filepath.Base(req.ArtifactPath), req.Kind, strings.Join(t.Extensions, ", "))}
	}
	v := Vars{
		ID:        req.DeploymentID,
		Name:      req.Name,
		Kind:      req.Kind,
		Artifact:  req.ArtifactPath,
		Device:    req.Device,
		Workers:   req.Workers,
		BatchSize: req.BatchSize,
	}
	if len(t.Check) > 0 {
		if err := l.runCheck(ctx, v, t.Check); err != nil {
			return Entrypoint{}, err
		}
	}
	r := v.replacer()
	hp := t.HealthPath
	if hp == "" {
		hp = "/health"
	}
	return Entrypoint{
		Command:    t.Command,
		Args:       append([]string(nil), t.Args...),
		Env:        append([]string(nil), t.Env...),
		Dir:        r.Replace(t.Dir),
		HealthPath: hp,
		vars:       v,
	}, nil
}

func (l *TemplateLoader) runCheck(ctx context.Context, v Vars, check []string) error {
	argv := render(v.replacer(), check)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	l.log.Debug().Str("event", "load_check").Str("deployment", v.ID).Strs("argv", argv).Msg("running runtime check")
	err := cmd.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		tail := out.String()
		if len(tail) > 2048 {
			tail = tail[len(tail)-2048:]
		}
		return &LoadError{Reason: "runtime check failed: " + strings.TrimSpace(tail), Err: err}
	}
	return nil
}

func hasExtension(p string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
