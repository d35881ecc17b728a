// Stream handling for the control API's real-time observation surface:
// the UI's way of watching a subscription's messages and connection-state
// transitions as they happen, instead of polling GET /v1/subscriptions.
package control

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ntfy-daemon/ntfyd/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The control API is a localhost front door for a single trusted UI
	// process, not a public endpoint; there is no cross-origin caller to
	// guard against.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamEvent is the JSON projection of a model.ListenerEvent sent down
// the socket: a discriminated union the UI switches on by "kind".
type streamEvent struct {
	Kind    string                 `json:"kind"`
	Message *model.Message         `json:"message,omitempty"`
	State   *streamConnectionState `json:"state,omitempty"`
}

type streamConnectionState struct {
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	DelayMS    int64  `json:"delay_ms,omitempty"`
	LastError  string `json:"last_error,omitempty"`
}

func toStreamEvent(evt model.ListenerEvent) streamEvent {
	if evt.Kind == model.ListenerEventMessage {
		msg := evt.Msg
		return streamEvent{Kind: "message", Message: &msg}
	}
	return streamEvent{Kind: "state", State: &streamConnectionState{
		Status:     evt.State.Kind.String(),
		RetryCount: evt.State.RetryCount,
		DelayMS:    evt.State.Delay / int64(time.Millisecond),
		LastError:  evt.State.LastError,
	}}
}

// handleStream upgrades GET /v1/subscriptions/stream?server=&topic= to a
// WebSocket and attaches to that subscription: it writes the replay of
// persisted history first, then every live ListenerEvent as it arrives,
// until the client disconnects or the subscription shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	topic := r.URL.Query().Get("topic")
	if server == "" || topic == "" {
		writeError(w, http.StatusBadRequest, "server and topic query parameters are required")
		return
	}

	sub, ok, err := s.coordinator.Get(r.Context(), server, topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not subscribed to that server/topic")
		return
	}

	replay, id, ch, err := sub.Attach(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer sub.Detach(r.Context(), id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "request_id", requestID(r), "error", err)
		return
	}
	defer conn.Close()

	for _, evt := range replay {
		if err := writeStreamEvent(conn, evt); err != nil {
			return
		}
	}

	// The client never sends anything meaningful on this socket; a reader
	// goroutine only exists to notice disconnects (gorilla surfaces that
	// as a read error) so the write loop below can stop promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeStreamEvent(conn, evt); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, evt model.ListenerEvent) error {
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(toStreamEvent(evt))
}
