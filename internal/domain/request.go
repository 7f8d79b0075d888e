package domain

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

// Devices accepted in Request.Device.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
	DeviceMPS  = "mps"
)

const maxNameLen = 64

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Request is the validated, immutable input of a deployment.
type Request struct {
	Name          string `json:"name"`
	Source        string `json:"source"`
	Kind          string `json:"kind"`
	Device        string `json:"device,omitempty"`
	MemoryLimitMB int    `json:"memory_limit_mb,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	PreferredPort int    `json:"preferred_port,omitempty"`
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func invalid(field, format string, a ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, a...)}
}

// Normalize returns a copy with defaults applied and whitespace trimmed.
func (r Request) Normalize() Request {
	r.Name = strings.TrimSpace(r.Name)
	r.Source = strings.TrimSpace(r.Source)
	r.Kind = strings.ToLower(strings.TrimSpace(r.Kind))
	r.Device = strings.ToLower(strings.TrimSpace(r.Device))
	if r.Device == "" {
		r.Device = DeviceAuto
	}
	if r.Workers == 0 {
		r.Workers = 1
	}
	return r
}

// Validate checks well-formedness independent of server configuration.
// maxWorkers <= 0 disables the worker count ceiling.
func (r Request) Validate(maxWorkers int) error {
	if r.Name == "" {
		return invalid("name", "required")
	}
	if len(r.Name) > maxNameLen {
		return invalid("name", "longer than %d characters", maxNameLen)
	}
	if !namePattern.MatchString(r.Name) {
		return invalid("name", "must match %s", namePattern.String())
	}
	if r.Source == "" {
		return invalid("source", "required")
	}
	if err := validateSource(r.Source); err != nil {
		return err
	}
	if r.Kind == "" {
		return invalid("kind", "required")
	}
	switch r.Device {
	case DeviceAuto, DeviceCPU, DeviceCUDA, DeviceMPS:
	default:
		return invalid("device", "unsupported device %q", r.Device)
	}
	if r.MemoryLimitMB < 0 {
		return invalid("memory_limit_mb", "must not be negative")
	}
	if r.Workers < 1 {
		return invalid("workers", "must be at least 1")
	}
	if maxWorkers > 0 && r.Workers > maxWorkers {
		return invalid("workers", "at most %d workers per deployment", maxWorkers)
	}
	if r.BatchSize < 0 {
		return invalid("batch_size", "must not be negative")
	}
	if r.PreferredPort < 0 || r.PreferredPort > 65535 {
		return invalid("preferred_port", "out of range")
	}
	return nil
}

func validateSource(src string) error {
	if filepath.IsAbs(src) {
		return nil
	}
	u, err := url.Parse(src)
	if err != nil {
		return invalid("source", "%v", err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return invalid("source", "missing host")
		}
	case "hf":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return invalid("source", "expected hf://org/repo[/file]")
		}
	case "s3":
		if u.Host == "" || strings.Trim(u.Path, "/") == "" {
			return invalid("source", "expected s3://bucket/key")
		}
	case "file":
		if !filepath.IsAbs(u.Path) {
			return invalid("source", "file source must be absolute")
		}
	default:
		return invalid("source", "unsupported scheme %q", u.Scheme)
	}
	return nil
}
