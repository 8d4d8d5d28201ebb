package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/processing"
	"github.com/promontage/montage-agent/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10

	// StreamSnapshot is the first message on every event stream.
	StreamSnapshot = "snapshot"
)

// StreamMessage is one frame of the event stream. Settings frames carry the
// plan whenever the layout is complete.
type StreamMessage struct {
	Type     string                `json:"type"`
	Session  *session.View         `json:"session,omitempty"`
	Run      *processing.Event     `json:"run,omitempty"`
	Settings *composition.Snapshot `json:"settings,omitempty"`
	Plan     *PlanResponse         `json:"plan,omitempty"`
}

func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(origin, allowed)
		},
	}
}

func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(cfg, w, r)
		if !ok {
			return
		}

		// Subscribe before the snapshot so no change falls in between.
		events, unsubscribe := s.Subscribe()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			unsubscribe()
			// Upgrade already wrote the error response.
			cfg.Logger.Warn("websocket upgrade failed", "session_id", s.ID, "error", err)
			return
		}

		logger := cfg.Logger.With("session_id", s.ID)
		logger.Debug("event stream opened")

		done := make(chan struct{})
		go readPump(conn, done, logger)
		writePump(conn, s, events, done, logger)
		unsubscribe()
		logger.Debug("event stream closed")
	}
}

// readPump drains client frames so control messages are processed, and
// closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, s *session.Session, events <-chan session.Event, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	view := s.View()
	if err := writeFrame(conn, StreamMessage{Type: StreamSnapshot, Session: &view}); err != nil {
		logger.Debug("websocket write error", "error", err)
		return
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := writeFrame(conn, streamMessage(s, ev)); err != nil {
				logger.Debug("websocket write error", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

func streamMessage(s *session.Session, ev session.Event) StreamMessage {
	msg := StreamMessage{Type: ev.Type, Run: ev.Run, Settings: ev.Settings}
	if ev.Type == session.EventSettings && ev.Settings != nil {
		if plan, err := s.Plan(); err == nil {
			resp := planResponse(plan, ev.Settings.Subtitles)
			msg.Plan = &resp
		}
	}
	return msg
}
