package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hochfrequenz/chess-analysis-orchestrator/internal/notify"
)

// connectedEvent is sent first on every stream so clients know the
// subscription is live before any completion arrives
type connectedEvent struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) (*notify.Subscription, bool) {
	userID, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	sub, err := s.broker.Subscribe(userID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	return sub, true
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		sub, ok := s.subscribe(w, r)
		if !ok {
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		writeSSE(w, "connected", connectedEvent{Type: "connected", UserID: sub.UserID})
		flusher.Flush()

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				writeSSE(w, string(ev.Type), ev)
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := s.subscribe(w, r)
		if !ok {
			return
		}
		defer sub.Close()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response
			return
		}
		defer conn.Close()

		log := zerolog.Ctx(r.Context()).With().Int64("user_id", sub.UserID).Logger()

		// The read loop only notices the client going away
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						log.Debug().Err(err).Msg("websocket closed")
					}
					return
				}
			}
		}()

		if err := writeWS(conn, connectedEvent{Type: "connected", UserID: sub.UserID}); err != nil {
			return
		}

		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				conn.SetWriteDeadline(time.Time{})
				if err != nil {
					return
				}
			case ev, ok := <-sub.C:
				if !ok {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
					return
				}
				if err := writeWS(conn, ev); err != nil {
					log.Debug().Err(err).Msg("websocket write failed")
					return
				}
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	return conn.WriteJSON(v)
}
