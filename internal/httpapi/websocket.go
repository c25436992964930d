package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The fleet dashboard is the only expected client; there is no
	// auth/origin-checking layer to enforce here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 10 * time.Second

// streamBuildLogs upgrades to a websocket and relays a build job's log
// lines as they are produced, closing when the job's log channel closes
// or the client disconnects.
func (h *handlers) streamBuildLogs(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	lines, unsubscribe, err := h.deps.BuildQueue.SubscribeLogs(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.WithError(err).Warn("build log websocket upgrade failed")
		return
	}
	defer conn.Close()

	for line := range lines {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(line); err != nil {
			return
		}
	}
}

// streamAlerts upgrades to a websocket and relays every alert delivered to
// the in-process dashboard channel, giving the dashboard a live feed
// without polling ActiveWithFilters.
func (h *handlers) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if h.dashboard == nil {
		writeError(w, httpErrNoDashboard)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.WithError(err).Warn("alert stream websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-h.dashboard.Delivered():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(alert); err != nil {
				return
			}
		}
	}
}
