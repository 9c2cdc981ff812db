// pkg/api/websocket.go
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"meetingengine/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const statusPushInterval = 500 * time.Millisecond

// statusEvent is the only payload this stream ever carries — status
// metadata, never transcript text, chunk text, or summary content.
type statusEvent struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	BufferedSeconds float64 `json:"buffered_seconds"`
	QueueDepth      int     `json:"queue_depth"`
}

// SessionStatusWSHandler serves GET /session_status_ws, an additive,
// best-effort push of session status for a local GUI's status
// indicator (SPEC_FULL §6). A slow or absent subscriber never blocks
// the audio pipeline: the writer drops the connection rather than
// buffering events for it.
func (h *Handlers) SessionStatusWSHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		sess, ok := h.registry.Get(sessionID)
		if !ok {
			conn.WriteJSON(statusEvent{SessionID: sessionID, Status: string(models.StatusFailed)})
			return
		}

		status := sess.Status()
		event := statusEvent{
			SessionID:       sessionID,
			Status:          string(status),
			BufferedSeconds: sess.BufferedSeconds(),
			QueueDepth:      sess.QueueDepth(),
		}
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		if status != models.StatusActive && status != models.StatusStarting {
			return
		}
	}
}
