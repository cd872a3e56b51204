// File: internal/server/stream.go
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// How often the stream re-samples the task for progress.
	pollInterval = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The HTTP API carries no cookies or origin-bound credentials, so
	// cross-origin handshakes are accepted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent is one frame on the task stream. The final frame carries
// type "result"; everything before it is "progress".
type streamEvent struct {
	Type   string         `json:"type"`
	Report schemas.Report `json:"report"`
}

// handleTaskStream upgrades the connection and pushes task progress until
// the task is terminal or the peer goes away.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	// Resolve before upgrading so an unknown id still gets a plain HTTP 404.
	report, err := s.svc.TaskResult(taskID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.logger.Debug("Task stream opened",
		zap.String("task_id", taskID), zap.String("remote", r.RemoteAddr))

	// The read side only services control frames; any payload or error means
	// the peer is done listening.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		conn.SetReadLimit(512)
		if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if !s.writeEvent(conn, eventFor(report)) {
		return
	}
	if report.Status.Terminal() {
		s.closeStream(conn)
		return
	}

	lastSteps := len(report.Steps)
	lastStatus := report.Status

	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-peerGone:
			return
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-pollTicker.C:
			report, err := s.svc.TaskResult(taskID)
			if err != nil {
				// The engine may have been shut down underneath the stream.
				s.closeStream(conn)
				return
			}
			if report.Status == lastStatus && len(report.Steps) == lastSteps {
				continue
			}
			lastStatus = report.Status
			lastSteps = len(report.Steps)

			if !s.writeEvent(conn, eventFor(report)) {
				return
			}
			if report.Status.Terminal() {
				s.closeStream(conn)
				return
			}
		}
	}
}

func eventFor(report schemas.Report) streamEvent {
	eventType := "progress"
	if report.Status.Terminal() {
		eventType = "result"
	}
	return streamEvent{Type: eventType, Report: report}
}

func (s *Server) writeEvent(conn *websocket.Conn, event streamEvent) bool {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(event); err != nil {
		s.logger.Debug("Task stream write failed", zap.Error(err))
		return false
	}
	return true
}

func (s *Server) closeStream(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
