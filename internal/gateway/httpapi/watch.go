package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/jkaninda/seiro/internal/jobstore"
	"github.com/jkaninda/seiro/internal/toolerr"
)

// WatchSubprotocol is the WebSocket subprotocol spoken on /v1/watch.
const WatchSubprotocol = "seiro-watch-v1"

// handleWatch upgrades GET /v1/watch?job_id=... to a WebSocket and pushes a
// JSON job snapshot on every status change. The server closes the connection
// with a normal closure once the job is terminal.
func (g *Gateway) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	job, err := g.builds.Job(r.Context(), id)
	if err != nil {
		te := toolerr.From(err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(StatusFor(te.Code))
		_ = json.NewEncoder(w).Encode(te.Envelope())
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{WatchSubprotocol},
	})
	if err != nil {
		g.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	if err := writeJob(ctx, conn, job); err != nil {
		return
	}
	err = g.pollJob(ctx, id, job, func(j jobstore.Job) {
		if werr := writeJob(ctx, conn, j); werr != nil {
			g.logger.Debug("watch write failed", slog.String("job_id", id), slog.String("error", werr.Error()))
		}
	})
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "job finished")
	case errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure:
	default:
		g.logger.Warn("watch ended", slog.String("job_id", id), slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "watch failed")
	}
}

func writeJob(ctx context.Context, conn *websocket.Conn, job jobstore.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
