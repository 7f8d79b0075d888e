package orchestrator

import (
	"net"
	"runtime"
	"strconv"
	"time"

	"deployd/internal/domain"
	"deployd/internal/worker"
	"deployd/pkg/types"
)

// Status aggregates deployment counts, leases and budget usage.
func (o *Orchestrator) Status() types.StatusResponse {
	now := o.now()
	st := types.StatusResponse{
		States:         map[string]int{},
		MaxActive:      o.cfg.MaxActiveDeployments,
		BudgetMB:       o.cfg.MemoryBudgetMB,
		UptimeSeconds:  int64(time.Since(o.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	for _, r := range o.reg.List() {
		st.States[string(r.State)]++
		if r.State.Active() {
			st.Active++
			if r.State != domain.StateRunning {
				st.InProgress++
			}
			if r.State != domain.StatePending {
				st.UsedMB += r.Request.MemoryLimitMB
			}
		}
	}
	for _, l := range o.ports.Leased() {
		st.Leases = append(st.Leases, types.PortLease{Port: l.Port, DeploymentID: l.Owner, AcquiredAt: l.AcquiredAt})
	}
	if st.Leases == nil {
		st.Leases = []types.PortLease{}
	}
	return st
}

// templater is implemented by loaders driven by worker templates.
type templater interface {
	Templates() map[string]worker.Template
}

// SystemInfo reports runtime, port range and worker template readiness.
func (o *Orchestrator) SystemInfo() types.SystemInfo {
	start, end := o.ports.Range()
	info := types.SystemInfo{
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		CPUs:           runtime.NumCPU(),
		GoVersion:      runtime.Version(),
		PortRangeStart: start,
		PortRangeEnd:   end,
		CacheDir:       o.cfg.CacheDir,
		StoreDriver:    o.cfg.StoreDriver,
		Templates:      []types.TemplateCheck{},
	}
	if t, ok := o.loader.(templater); ok {
		info.Templates = worker.SanityCheck(t.Templates())
	}
	return info
}

// ToAPI converts a record to its API view.
func (o *Orchestrator) ToAPI(r domain.Record) types.Deployment {
	d := types.Deployment{
		ID: r.ID,
		Request: types.DeployRequest{
			Name:          r.Request.Name,
			Source:        r.Request.Source,
			Kind:          r.Request.Kind,
			Device:        r.Request.Device,
			MemoryLimitMB: r.Request.MemoryLimitMB,
			Workers:       r.Request.Workers,
			BatchSize:     r.Request.BatchSize,
			PreferredPort: r.Request.PreferredPort,
		},
		Attempt:        r.Attempt,
		RetryOf:        r.RetryOf,
		Status:         string(r.State),
		Progress:       r.Progress,
		Message:        r.Message,
		CurrentStep:    r.StepIndex(),
		TotalSteps:     domain.TotalSteps,
		Port:           r.Port,
		PID:            r.PID,
		ElapsedSeconds: r.Elapsed(o.now()).Seconds(),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if r.State == domain.StateRunning && r.Port > 0 {
		d.Endpoint = "http://" + net.JoinHostPort(o.ports.Host(), strconv.Itoa(r.Port))
	}
	if r.Error != nil {
		d.Error = &types.DeploymentError{Kind: string(r.Error.Kind), Message: r.Error.Message, Category: string(r.Error.Category)}
	}
	for _, h := range r.History {
		d.History = append(d.History, types.HistoryEntry{State: string(h.State), At: h.At, Message: h.Message})
	}
	return d
}

// RequestFromAPI converts an API request body.
func RequestFromAPI(in types.DeployRequest) domain.Request {
	return domain.Request{
		Name:          in.Name,
		Source:        in.Source,
		Kind:          in.Kind,
		Device:        in.Device,
		MemoryLimitMB: in.MemoryLimitMB,
		Workers:       in.Workers,
		BatchSize:     in.BatchSize,
		PreferredPort: in.PreferredPort,
	}
}
