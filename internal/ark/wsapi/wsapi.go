// Package wsapi implements the two §6.2 WebSocket streams: per-request bus
// traffic and federation peer/sync events. Both ride gorilla/websocket over
// the same router httpapi builds, upgraded from a plain GET.
package wsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ark-network/ark-core/infrastructure/logging"
	"github.com/ark-network/ark-core/internal/ark/bus"
	"github.com/ark-network/ark-core/internal/ark/errorbus"
	"github.com/ark-network/ark-core/internal/ark/federation/registry"
)

// writeTimeout bounds one outbound frame write so a stalled client cannot
// pin a streaming goroutine forever.
const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config wires wsapi's dependencies.
type Config struct {
	Bus      *bus.Bus
	Errors   *errorbus.Bus
	Registry *registry.Registry
	Log      *logging.Logger
}

// Register mounts /ws/requests/{cid} and /ws/federation on router.
func Register(router *mux.Router, cfg Config) {
	h := &handlers{cfg: cfg}
	router.HandleFunc("/ws/requests/{cid}", h.streamRequest).Methods(http.MethodGet)
	router.HandleFunc("/ws/federation", h.streamFederation).Methods(http.MethodGet)
}

type handlers struct {
	cfg Config
}

func (h *handlers) upgrade(w http.ResponseWriter, r *http.Request) *websocket.Conn {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.cfg.Log != nil {
			h.cfg.Log.WithFields(map[string]interface{}{"error": err.Error()}).Warn("websocket upgrade failed")
		}
		return nil
	}
	return conn
}

func writeJSON(conn *websocket.Conn, v interface{}) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(v)
}

// discardInbound drains (and ignores) any client-sent frames so the
// connection's read/pong machinery keeps functioning, and closes done once
// the client disconnects or sends a close frame.
func discardInbound(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// streamRequest implements the /ws/requests/{cid} stream: replays retained
// bus history for that correlation id, then forwards every further message
// bearing it until the connection closes.
func (h *handlers) streamRequest(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]
	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}
	defer conn.Close()

	for _, msg := range h.cfg.Bus.History(cid) {
		if err := writeJSON(conn, msg); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go discardInbound(conn, done)

	outbound := make(chan *bus.Message, 64)
	sub := h.cfg.Bus.Subscribe("", func(_ context.Context, msg *bus.Message) error {
		if msg.CorrelationID != cid {
			return nil
		}
		select {
		case outbound <- msg:
		default:
		}
		return nil
	})
	defer h.cfg.Bus.Unsubscribe(sub)

	for {
		select {
		case <-done:
			return
		case msg := <-outbound:
			if err := writeJSON(conn, msg); err != nil {
				return
			}
		}
	}
}

// streamFederation implements /ws/federation: peer reachability and sync
// escalations, broadcast to every connected operator.
func (h *handlers) streamFederation(w http.ResponseWriter, r *http.Request) {
	conn := h.upgrade(w, r)
	if conn == nil {
		return
	}
	defer conn.Close()

	if err := writeJSON(conn, map[string]interface{}{"peers": h.cfg.Registry.All()}); err != nil {
		return
	}

	events := make(chan *errorbus.Escalation, 64)
	forward := func(e *errorbus.Escalation) {
		if e.From != "federation-sync" {
			return
		}
		select {
		case events <- e:
		default:
		}
	}
	h.cfg.Errors.Register(errorbus.SeverityWarning, forward)
	h.cfg.Errors.Register(errorbus.SeverityError, forward)
	h.cfg.Errors.Register(errorbus.SeverityCritical, forward)

	done := make(chan struct{})
	go discardInbound(conn, done)

	for {
		select {
		case <-done:
			return
		case e := <-events:
			if err := writeJSON(conn, e); err != nil {
				return
			}
		}
	}
}
