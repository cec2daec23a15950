package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"nnmcts/internal/server/session"
)

const wsIdlePingInterval = 30 * time.Second

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// writeWSWithHeartbeat 独占写端；空闲超过 wsIdlePingInterval 发一次 ping
func writeWSWithHeartbeat(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) error {
	ticker := time.NewTicker(wsIdlePingInterval)
	defer ticker.Stop()
	lastWrite := time.Now()
	pingPayload := mustMarshal(wsMessage{Type: "ping"})

	for {
		select {
		case <-done:
			return nil
		case msg := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
			lastWrite = time.Now()
		case <-ticker.C:
			if time.Since(lastWrite) < wsIdlePingInterval {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, pingPayload); err != nil {
				return err
			}
			lastWrite = time.Now()
		}
	}
}

// serveWS streams a session over one connection. Server messages are
// "session", "progress", "result" and "error"; clients may send "search"
// (payload SearchRequest), "stop" and "request_status".
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.mgr.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send := make(chan []byte, 16)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// progress may be dropped under backpressure, everything else waits
	sendJSON := func(typ string, v any) {
		data, err := json.Marshal(wsMessage{Type: typ, Payload: mustMarshal(v)})
		if err != nil {
			return
		}
		if typ == "progress" {
			select {
			case send <- data:
			default:
			}
			return
		}
		select {
		case send <- data:
		case <-done:
		}
	}
	status := func() { sendJSON("session", snapshotToDTO(s.Snapshot(h.mgr.Rules()))) }

	progress, unsubscribe := s.Subscribe()
	defer unsubscribe()

	go func() {
		if err := writeWSWithHeartbeat(conn, send, done); err != nil {
			log.Debug().Err(err).Str("session", id).Msg("ws-write")
		}
	}()
	go func() {
		for {
			select {
			case <-done:
				return
			case p, ok := <-progress:
				if !ok {
					return
				}
				sendJSON("progress", progressToDTO(p))
			}
		}
	}()
	defer close(done)

	status()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "request_status":
			status()
		case "stop":
			_ = h.mgr.Stop(id)
		case "search":
			var req SearchRequest
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &req); err != nil {
					sendJSON("error", map[string]string{"error": err.Error()})
					continue
				}
			}
			go func() {
				res, err := h.mgr.Search(ctx, id, session.SearchOptions{
					Budget:  req.Budget,
					Threads: req.Threads,
					Noise:   req.Noise,
					MaxTime: time.Duration(req.TimeMs) * time.Millisecond,
				})
				if err != nil {
					sendJSON("error", map[string]string{"error": err.Error()})
					return
				}
				sendJSON("result", resultToDTO(res))
			}()
		}
	}
}
