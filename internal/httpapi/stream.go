package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"deployd/internal/domain"
	"deployd/internal/progress"
)

// closeNotice is the last line of a stream the server ended early.
type closeNotice struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason"`
	Detail       string `json:"detail,omitempty"`
}

// closeReason tells the client what to do after a drop. Backpressure and
// missed heartbeats ask it to subscribe again and pick up the snapshot.
func closeReason(r progress.DropReason) string {
	switch r {
	case progress.DropSlow, progress.DropHeartbeat:
		return "resubscribe"
	case progress.DropNone:
		return "closed"
	default:
		return string(r)
	}
}

func finished(ev domain.ProgressEvent) bool {
	return ev.Type == domain.EventProgress && ev.State.Terminal()
}

// events godoc
// @Summary Stream deployment progress
// @Description Newline-delimited JSON progress events, starting with a snapshot. The stream ends after the terminal event.
// @Tags Deployments
// @Produce application/x-ndjson
// @Param id path string true "Deployment ID"
// @Success 200 {object} domain.ProgressEvent
// @Failure 404 {object} types.ErrorResponse
// @Router /api/v1/deployments/{id}/events [get]
func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.svc.Subscribe(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Close()
	streamsOpen.WithLabelValues("ndjson").Inc()
	defer streamsOpen.WithLabelValues("ndjson").Dec()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	var out io.Writer = w
	if requestLogLevel(r) >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{id: id})
	}
	enc := json.NewEncoder(out)

	// Join server base context with request context so shutdown ends the stream too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = enc.Encode(closeNotice{Type: "closed", DeploymentID: id, Reason: closeReason(sub.Reason()), Detail: string(sub.Reason())})
				flush()
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flush()
			sub.Ack()
			if finished(ev) {
				return
			}
		}
	}
}
