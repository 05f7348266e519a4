package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joseph-ayodele/integrity-pipeline/internal/common"
	"github.com/joseph-ayodele/integrity-pipeline/internal/status"
)

const watchWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries no cookies; any origin may watch a job it knows the id of.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWatchJob streams the job's status view over a websocket every time it
// changes and closes the socket once the job is terminal.
func (s *HTTPServer) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	// reject unknown ids with a plain 404 before upgrading
	if _, err := s.status.Get(r.Context(), id); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	log := common.LoggerFromContext(r.Context(), s.logger).With("job_id", id)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Control frames are only processed while reading; a closed client ends the watch.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.status.Watch(ctx, id, s.cfg.WatchInterval, func(v status.JobStatusView) error {
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
		return conn.WriteJSON(v)
	})

	code, reason := websocket.CloseNormalClosure, "job finished"
	switch {
	case ctx.Err() != nil:
		code, reason = websocket.CloseGoingAway, "watch cancelled"
	case err != nil:
		log.Warn("job watch failed", "error", err)
		code, reason = websocket.CloseInternalServerErr, "watch failed"
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(watchWriteWait))
}
