package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deployd/internal/domain"
	"deployd/internal/progress"
	"deployd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Submit(ctx context.Context, req types.DeployRequest) (types.Deployment, error)
	List() []types.Deployment
	Get(id string) (types.Deployment, error)
	Stop(id string) (types.Deployment, error)
	Retry(id string) (types.Deployment, error)
	Remove(ctx context.Context, id string) error
	Subscribe(id string) (*progress.Subscription, error)
	Snapshot(id string) (domain.ProgressEvent, error)
	Artifacts() (types.ArtifactsResponse, error)
	Status() types.StatusResponse
	SystemInfo() types.SystemInfo
	Ready() bool
}

type handlers struct {
	svc Service
}

// NewMux builds the router: deployment routes under the API prefix plus the
// root /status, /healthz, /readyz and /metrics endpoints.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			MaxAge:         300,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Route(apiPrefix, func(r chi.Router) {
		r.Post("/deployments", h.deploy)
		r.Get("/deployments", h.list)
		r.Get("/deployments/{id}", h.get)
		r.Delete("/deployments/{id}", h.remove)
		r.Post("/deployments/{id}/stop", h.stop)
		r.Post("/deployments/{id}/retry", h.retry)
		r.Get("/deployments/{id}/events", h.events)
		r.Get("/deployments/{id}/ws", h.ws)
		r.Get("/ws/{id}", h.ws)
		r.Get("/artifacts", h.artifacts)
		r.Get("/system/info", h.systemInfo)
	})

	r.Get("/status", h.status)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Debug().Err(err).Msg("encode response")
	}
}

func deployResponse(d types.Deployment) types.DeployResponse {
	return types.DeployResponse{
		Deployment:   d,
		WebSocketURL: apiPrefix + "/ws/" + d.ID,
		EventsURL:    apiPrefix + "/deployments/" + d.ID + "/events",
	}
}

// deploy godoc
// @Summary Submit a deployment
// @Description Validates the request, records a pending deployment and starts the pipeline without waiting for it.
// @Tags Deployments
// @Accept json
// @Produce json
// @Param request body types.DeployRequest true "Deployment request"
// @Success 202 {object} types.DeployResponse
// @Failure 400 {object} types.ErrorResponse
// @Failure 415 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Router /api/v1/deployments [post]
func (h *handlers) deploy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lvl := requestLogLevel(r)
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		IncrementRejected("unsupported_media_type")
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	// Limit body size (configurable, default 1MiB)
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	var req types.DeployRequest
	if err := dec.Decode(&req); err != nil {
		IncrementRejected("invalid_body")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if dec.More() {
		IncrementRejected("invalid_body")
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: trailing data")
		return
	}
	d, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		logRequest(r, lvl, "deploy", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse(d))
	logRequest(r, lvl, "deploy", http.StatusAccepted, start, nil)
}

// list godoc
// @Summary List deployments
// @Tags Deployments
// @Produce json
// @Success 200 {object} types.DeploymentsResponse
// @Router /api/v1/deployments [get]
func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	ds := h.svc.List()
	if ds == nil {
		ds = []types.Deployment{}
	}
	writeJSON(w, http.StatusOK, types.DeploymentsResponse{Deployments: ds, Count: len(ds)})
}

// get godoc
// @Summary Get a deployment
// @Tags Deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} types.Deployment
// @Failure 404 {object} types.ErrorResponse
// @Router /api/v1/deployments/{id} [get]
func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// stop godoc
// @Summary Stop a deployment
// @Description Cancels an in-flight pipeline or terminates the running worker. Stopping a stopped deployment is a no-op.
// @Tags Deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 202 {object} types.Deployment
// @Failure 404 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Router /api/v1/deployments/{id}/stop [post]
func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d, err := h.svc.Stop(chi.URLParam(r, "id"))
	if err != nil {
		logRequest(r, requestLogLevel(r), "stop", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
	logRequest(r, requestLogLevel(r), "stop", http.StatusAccepted, start, nil)
}

// retry godoc
// @Summary Retry a deployment
// @Description Starts a new attempt of a failed or stopped deployment with the same request.
// @Tags Deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 202 {object} types.DeployResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Router /api/v1/deployments/{id}/retry [post]
func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	d, err := h.svc.Retry(chi.URLParam(r, "id"))
	if err != nil {
		logRequest(r, requestLogLevel(r), "retry", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deployResponse(d))
	logRequest(r, requestLogLevel(r), "retry", http.StatusAccepted, start, nil)
}

// remove godoc
// @Summary Remove a deployment
// @Description Stops the deployment if it is active, waits for cleanup and deletes the record.
// @Tags Deployments
// @Produce json
// @Param id path string true "Deployment ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Router /api/v1/deployments/{id} [delete]
func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := chi.URLParam(r, "id")
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if err := h.svc.Remove(ctx, id); err != nil {
		logRequest(r, requestLogLevel(r), "remove", writeServiceError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deployment_id": id, "status": "removed"})
	logRequest(r, requestLogLevel(r), "remove", http.StatusOK, start, nil)
}

// artifacts godoc
// @Summary List artifacts
// @Description Artifacts in the models directory and complete entries of the fetch cache.
// @Tags Artifacts
// @Produce json
// @Success 200 {object} types.ArtifactsResponse
// @Router /api/v1/artifacts [get]
func (h *handlers) artifacts(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.Artifacts()
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// systemInfo godoc
// @Summary System information
// @Tags System
// @Produce json
// @Success 200 {object} types.SystemInfo
// @Router /api/v1/system/info [get]
func (h *handlers) systemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.SystemInfo())
}

// status godoc
// @Summary Aggregate status
// @Tags System
// @Produce json
// @Success 200 {object} types.StatusResponse
// @Router /status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}
