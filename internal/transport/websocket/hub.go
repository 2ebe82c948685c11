package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/xferd/xferd/internal/transport"
	"github.com/xferd/xferd/pkg/proto"
)

// StreamPath is the route prefix the hub is mounted on.
const StreamPath = "/api/v1/stream/"

const (
	inboxSize = 16

	// defaultAckTimeout bounds how long the hub waits for a receiver to
	// take and store a chunk.
	defaultAckTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Peers authenticate with a transfer ticket
	},
}

// frame is one received chunk waiting for a receiver.
type frame struct {
	id     int
	data   []byte
	result chan error
}

// Hub accepts chunk streams from remote senders and routes each chunk to
// the inbox registered for its transfer.
type Hub struct {
	tickets    *transport.Tickets
	codec      *codec
	ackTimeout time.Duration

	mu      sync.Mutex
	inboxes map[string]chan frame
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// NewHub creates a hub. ackTimeout 0 uses the default.
func NewHub(tickets *transport.Tickets, ackTimeout time.Duration) *Hub {
	if ackTimeout <= 0 {
		ackTimeout = defaultAckTimeout
	}
	return &Hub{
		tickets:    tickets,
		codec:      newCodec(),
		ackTimeout: ackTimeout,
		inboxes:    make(map[string]chan frame),
		conns:      make(map[*websocket.Conn]struct{}),
	}
}

// Register creates the inbox for a transfer.
func (h *Hub) Register(xmitID string) <-chan frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	inbox, ok := h.inboxes[xmitID]
	if !ok {
		inbox = make(chan frame, inboxSize)
		h.inboxes[xmitID] = inbox
	}
	return inbox
}

// Unregister drops a transfer's inbox. Frames still queued are refused.
func (h *Hub) Unregister(xmitID string) {
	h.mu.Lock()
	inbox, ok := h.inboxes[xmitID]
	delete(h.inboxes, xmitID)
	h.mu.Unlock()

	if !ok {
		return
	}
	for {
		select {
		case f := <-inbox:
			f.result <- proto.NoConnect
		default:
			return
		}
	}
}

func (h *Hub) inbox(xmitID string) (chan frame, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	inbox, ok := h.inboxes[xmitID]
	return inbox, ok
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	xmitID := strings.Trim(strings.TrimPrefix(r.URL.Path, StreamPath), "/")
	if xmitID == "" || strings.Contains(xmitID, "/") {
		http.Error(w, "expected /{xmit}", http.StatusBadRequest)
		return
	}

	ticket, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := h.tickets.Verify(ticket, xmitID); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("xmit", xmitID).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		_ = conn.Close()
		h.wg.Done()
	}()

	log.Debug().Str("xmit", xmitID).Str("remote", r.RemoteAddr).Msg("chunk stream opened")
	h.serveStream(conn, xmitID)
}

func (h *Hub) serveStream(conn *websocket.Conn, xmitID string) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("xmit", xmitID).Msg("chunk stream closed")
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		id, payload, err := h.codec.decode(data)
		if err == nil {
			err = h.deliver(xmitID, id, payload)
		}

		reply, _ := json.Marshal(ack{ID: id, Code: proto.CodeOf(err)})
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			log.Debug().Err(err).Str("xmit", xmitID).Msg("failed to write chunk ack")
			return
		}
	}
}

// deliver hands a chunk to the transfer's receiver and waits until it has
// been stored.
func (h *Hub) deliver(xmitID string, id int, data []byte) error {
	inbox, ok := h.inbox(xmitID)
	if !ok {
		return proto.NoConnect
	}

	f := frame{id: id, data: data, result: make(chan error, 1)}
	timer := time.NewTimer(h.ackTimeout)
	defer timer.Stop()

	select {
	case inbox <- f:
	case <-timer.C:
		return proto.TryAgain
	}

	select {
	case err := <-f.result:
		if errors.Is(err, proto.Duplicate) {
			return nil
		}
		return err
	case <-timer.C:
		return proto.Timeout
	}
}

// Close closes every open stream and waits for the handlers to return.
func (h *Hub) Close() error {
	h.mu.Lock()
	for conn := range h.conns {
		_ = conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}
