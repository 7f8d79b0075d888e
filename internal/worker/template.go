// Package worker is the boundary to the ML runtime: it turns an artifact and
// a deployment's settings into a runnable worker entrypoint.
package worker

import (
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"deployd/pkg/types"
)

// Template describes how to launch a worker for one artifact kind.
// Args, Env and Check may contain {{placeholders}}.
type Template struct {
	Command    string
	Args       []string
	Env        []string
	Dir        string
	HealthPath string
	// Extensions restricts artifact file suffixes; empty accepts anything.
	Extensions []string
	// Check is an optional pre-flight command run during model loading.
	Check []string
}

// Vars are the substitutions available to templates.
type Vars struct {
	ID        string
	Name      string
	Kind      string
	Artifact  string
	Device    string
	Host      string
	Port      int
	Workers   int
	BatchSize int
}

func (v Vars) replacer() *strings.Replacer {
	port := ""
	if v.Port > 0 {
		port = strconv.Itoa(v.Port)
	}
	return strings.NewReplacer(
		"{{id}}", v.ID,
		"{{name}}", v.Name,
		"{{kind}}", v.Kind,
		"{{artifact}}", v.Artifact,
		"{{device}}", v.Device,
		"{{host}}", v.Host,
		"{{port}}", port,
		"{{workers}}", strconv.Itoa(v.Workers),
		"{{batch_size}}", strconv.Itoa(v.BatchSize),
	)
}

func render(r *strings.Replacer, in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Replace(s)
	}
	return out
}

// DefaultTemplates returns the built-in templates. They run a Python serving
// module that must be installed alongside the ML runtime.
func DefaultTemplates() map[string]Template {
	base := Template{
		Command: "python3",
		Args: []string{
			"-m", "deployd_worker",
			"--kind", "{{kind}}",
			"--artifact", "{{artifact}}",
			"--host", "{{host}}",
			"--port", "{{port}}",
			"--device", "{{device}}",
			"--workers", "{{workers}}",
			"--batch-size", "{{batch_size}}",
		},
		HealthPath: "/health",
	}
	out := map[string]Template{}
	for _, k := range []string{"nlp", "cv", "audio", "multimodal"} {
		t := base
		t.Args = append([]string(nil), base.Args...)
		out[k] = t
	}
	return out
}

// SanityCheck resolves each template's command on PATH. It does not mutate
// state and is safe to call at any time.
func SanityCheck(templates map[string]Template) []types.TemplateCheck {
	kinds := make([]string, 0, len(templates))
	for k := range templates {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	out := make([]types.TemplateCheck, 0, len(kinds))
	for _, k := range kinds {
		t := templates[k]
		c := types.TemplateCheck{Kind: k, Command: t.Command}
		if p, err := exec.LookPath(t.Command); err == nil {
			c.Found = true
			c.Path = p
		} else {
			c.Error = err.Error()
		}
		out = append(out, c)
	}
	return out
}
