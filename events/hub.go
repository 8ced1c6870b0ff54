package events

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"rival_scrooper/metrics"
	"rival_scrooper/models"
)

const broadcastBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans events out to websocket clients subscribed to a company.
type Hub struct {
	rooms      map[string]map[*Client]bool
	broadcast  chan models.Event
	register   chan *Client
	unregister chan *Client
	running    chan struct{}
	runOnce    sync.Once
	mu         sync.RWMutex
	log        *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan models.Event, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		running:    make(chan struct{}),
		log:        log.Named("hub"),
	}
}

// Emit queues an event for the company's room. Events are dropped when the
// hub is not running or its buffer is full.
func (h *Hub) Emit(companyID, eventType string, data any) {
	select {
	case <-h.running:
	default:
		metrics.EventsEmitted.WithLabelValues(eventType, "dropped").Inc()
		return
	}

	ev := models.Event{Type: eventType, CompanyID: companyID, Data: data}
	select {
	case h.broadcast <- ev:
		metrics.EventsEmitted.WithLabelValues(eventType, "queued").Inc()
	default:
		metrics.EventsEmitted.WithLabelValues(eventType, "dropped").Inc()
		h.log.Warnw("broadcast channel full, dropping event", "type", eventType, "company_id", companyID)
	}
}

// RunWithContext services registrations and broadcasts until ctx is done.
// Registration changes are handled before pending broadcasts.
func (h *Hub) RunWithContext(ctx context.Context) error {
	h.runOnce.Do(func() { close(h.running) })

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		default:
		}

		select {
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// ClientCount returns the number of connected clients for a company, or all
// clients when companyID is empty.
func (h *Hub) ClientCount(companyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if companyID != "" {
		return len(h.rooms[companyID])
	}
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

// ServeWS upgrades the request and subscribes the connection to the company
// named by the companyId query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	companyID := r.URL.Query().Get("companyId")
	if companyID == "" {
		http.Error(w, "companyId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, companyID)
	select {
	case h.register <- c:
		c.start()
	case <-time.After(writeWait):
		h.log.Warnw("hub not accepting clients", "company_id", companyID)
		_ = conn.Close()
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.companyID]
	if !ok {
		room = make(map[*Client]bool)
		h.rooms[c.companyID] = room
	}
	room[c] = true
	h.mu.Unlock()

	metrics.WebSocketConnections.Inc()
	h.log.Infow("websocket client connected", "company_id", c.companyID, "client_id", c.id)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *Client) {
	room, ok := h.rooms[c.companyID]
	if !ok {
		return
	}
	if _, ok := room[c]; !ok {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.companyID)
	}
	metrics.WebSocketConnections.Dec()
	h.log.Infow("websocket client disconnected", "company_id", c.companyID, "client_id", c.id)
}

func (h *Hub) deliver(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[ev.CompanyID]
	clients := make([]*Client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- ev:
		default:
			// slow consumer
			h.dropLocked(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, room := range h.rooms {
		for c := range room {
			h.dropLocked(c)
			n++
		}
	}
	h.log.Infow("websocket hub stopped", "clients_closed", n)
}
