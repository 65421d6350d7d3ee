package httpapi

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/foreman/internal/workflow"
)

const (
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// hub fans events out to websocket clients. A client that falls behind
// loses events rather than slowing the others.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send chan workflow.Event
	// filter limits delivery to one workflow when set.
	filter  string
	dropped int
	done    chan struct{}
	once    sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) run(ctx context.Context, events <-chan workflow.Event) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-events:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *hub) broadcast(ev workflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.filter != "" && c.filter != ev.WorkflowID {
			continue
		}
		select {
		case c.send <- ev:
		default:
			c.dropped++
			if c.dropped%10 == 1 {
				log.Printf("[httpapi] event client behind, %d events dropped", c.dropped)
			}
		}
	}
}

func (h *hub) add(filter string) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{send: make(chan workflow.Event, clientBuffer), filter: filter, done: make(chan struct{})}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// handleEvents upgrades to a websocket and streams events as JSON text
// frames. ?workflow_id= limits the stream to one workflow.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	c, ok := s.hub.add(r.URL.Query().Get("workflow_id"))
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "event stream closed")
		return
	}
	defer s.hub.remove(c)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The reader only handles control frames and notices the peer leaving.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
