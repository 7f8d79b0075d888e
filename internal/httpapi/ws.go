package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"deployd/internal/domain"
)

const (
	wsWriteWait  = 10 * time.Second
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin applies the CORS origin list to browser WebSocket handshakes.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !corsEnabled {
		return true
	}
	for _, o := range corsAllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func writeEvent(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, append(b, '\n'))
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// ws godoc
// @Summary Progress WebSocket
// @Description Sends a snapshot, then every progress event as a JSON text message. Heartbeats carry a ping frame; a pong, any client message or the text "ping" acknowledges them, and "ping" is answered with a fresh snapshot.
// @Tags Deployments
// @Param id path string true "Deployment ID"
// @Success 101
// @Failure 404 {object} types.ErrorResponse
// @Router /api/v1/ws/{id} [get]
func (h *handlers) ws(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.svc.Subscribe(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer sub.Close()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		if zlog != nil {
			zlog.Debug().Str("deployment", id).Err(err).Msg("websocket upgrade failed")
		}
		return
	}
	defer conn.Close()
	streamsOpen.WithLabelValues("websocket").Inc()
	defer streamsOpen.WithLabelValues("websocket").Dec()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetPongHandler(func(string) error {
		sub.Ack()
		return nil
	})
	snapshot := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			sub.Ack()
			if strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
				select {
				case snapshot <- struct{}{}:
				default:
				}
			}
		}
	}()

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-snapshot:
			ev, err := h.svc.Snapshot(id)
			if err != nil {
				writeClose(conn, websocket.CloseNormalClosure, "deployment removed")
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				writeClose(conn, websocket.CloseTryAgainLater, closeReason(sub.Reason()))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				return
			}
			if ev.Type == domain.EventHeartbeat {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					return
				}
			}
			if finished(ev) {
				writeClose(conn, websocket.CloseNormalClosure, string(ev.State))
				return
			}
		}
	}
}
