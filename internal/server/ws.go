package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"marksman/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleEventsWS streams a run's events over a WebSocket: the persisted tail
// after after_seq first, then live events as they append. The replay and the
// live stream share the log's seq ordering, so the client sees no gaps and
// no reordering.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	afterSeq := queryInt64(r, "after_seq", 0)

	if _, err := s.orch.Status(runID); err != nil {
		s.writeError(w, err)
		return
	}

	replay, sub, err := s.log.Subscribe(runID, afterSeq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Reads only service close frames; the server never expects payloads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	lastSeq := afterSeq
	for _, rec := range replay {
		if rec.Seq <= lastSeq {
			continue
		}
		if err := writeEvent(conn, rec); err != nil {
			return
		}
		lastSeq = rec.Seq
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case rec := <-sub.C:
			// The live channel can overlap the replay by a few events;
			// seq filtering keeps the stream strictly increasing.
			if rec.Seq <= lastSeq {
				continue
			}
			if err := writeEvent(conn, rec); err != nil {
				return
			}
			lastSeq = rec.Seq
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, rec types.EventRecord) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(rec)
}
