package orchestrator

import (
	"context"

	"deployd/internal/artifact"
	"deployd/internal/domain"
	"deployd/internal/progress"
	"deployd/pkg/types"
)

// CacheLister lists complete artifacts in the fetch cache.
type CacheLister interface {
	Cached() ([]types.CachedArtifact, error)
}

// API adapts an Orchestrator to the HTTP service contract.
type API struct {
	Orch      *Orchestrator
	ModelsDir string
	Cache     CacheLister
}

func (a API) Submit(_ context.Context, req types.DeployRequest) (types.Deployment, error) {
	rec, err := a.Orch.Submit(RequestFromAPI(req))
	if err != nil {
		return types.Deployment{}, err
	}
	return a.Orch.ToAPI(rec), nil
}

func (a API) List() []types.Deployment {
	recs := a.Orch.List()
	out := make([]types.Deployment, 0, len(recs))
	for _, r := range recs {
		out = append(out, a.Orch.ToAPI(r))
	}
	return out
}

func (a API) Get(id string) (types.Deployment, error) {
	rec, err := a.Orch.Get(id)
	if err != nil {
		return types.Deployment{}, err
	}
	return a.Orch.ToAPI(rec), nil
}

func (a API) Stop(id string) (types.Deployment, error) {
	rec, err := a.Orch.Stop(id)
	if err != nil {
		return types.Deployment{}, err
	}
	return a.Orch.ToAPI(rec), nil
}

func (a API) Retry(id string) (types.Deployment, error) {
	rec, err := a.Orch.Retry(id)
	if err != nil {
		return types.Deployment{}, err
	}
	return a.Orch.ToAPI(rec), nil
}

func (a API) Remove(ctx context.Context, id string) error { return a.Orch.Remove(ctx, id) }

func (a API) Subscribe(id string) (*progress.Subscription, error) { return a.Orch.Subscribe(id) }

func (a API) Snapshot(id string) (domain.ProgressEvent, error) { return a.Orch.Snapshot(id) }

func (a API) Artifacts() (types.ArtifactsResponse, error) {
	out := types.ArtifactsResponse{Local: []types.Artifact{}, Cached: []types.CachedArtifact{}}
	if a.ModelsDir != "" {
		local, err := artifact.ScanDir(a.ModelsDir)
		if err != nil {
			return out, err
		}
		out.Local = append(out.Local, local...)
	}
	if a.Cache != nil {
		cached, err := a.Cache.Cached()
		if err != nil {
			return out, err
		}
		out.Cached = append(out.Cached, cached...)
	}
	return out, nil
}

func (a API) Status() types.StatusResponse { return a.Orch.Status() }
func (a API) SystemInfo() types.SystemInfo { return a.Orch.SystemInfo() }
func (a API) Ready() bool { return a.Orch.Ready() }
