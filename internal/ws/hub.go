package ws

import (
	"context"

	"github.com/pliu/chatty-rooms/internal/metrics"
	"go.uber.org/zap"
)

// Publisher fans frames out to a broadcast group. Connections are named by
// id so an implementation need not live in this process.
type Publisher interface {
	// Publish delivers frame to every connection in group except the one
	// whose id is exceptID. An empty exceptID excludes nobody.
	Publish(group string, frame []byte, exceptID string)
}

type membership struct {
	client *Client
	group  string
}

type delivery struct {
	group  string
	target *Client // set for a single-client reply
	except string
	frame  []byte
}

// Hub owns the live connections and their group membership. All state is
// touched only by the Run goroutine; everything else talks to it through
// channels, so frames published in order are delivered in order.
type Hub struct {
	// Registered clients and the group each is subscribed to ("" for none).
	clients map[*Client]string

	groups map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan membership
	broadcast  chan delivery

	done chan struct{}

	metrics *metrics.Metrics
	log     *zap.Logger
}

var _ Publisher = (*Hub)(nil)

func NewHub(m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]string),
		groups:     make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		broadcast:  make(chan delivery),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log,
	}
}

// Run processes hub events until ctx is cancelled. On exit every client's
// send channel is closed so its write pump hangs up.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = ""
			h.metrics.ActiveConnections.Inc()
		case client := <-h.unregister:
			h.drop(client)
		case m := <-h.join:
			h.subscribe(m.client, m.group)
		case d := <-h.broadcast:
			if d.target != nil {
				h.deliver(d.target, d.frame)
				continue
			}
			for client := range h.groups[d.group] {
				if d.except == "" || client.id != d.except {
					h.deliver(client, d.frame)
				}
			}
		}
	}
}

func (h *Hub) subscribe(client *Client, group string) {
	prev, ok := h.clients[client]
	if !ok {
		return
	}
	if prev != "" {
		h.leave(client, prev)
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[*Client]bool)
		h.groups[group] = members
	}
	members[client] = true
	h.clients[client] = group
}

func (h *Hub) leave(client *Client, group string) {
	members := h.groups[group]
	delete(members, client)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// deliver never blocks the loop: a client that cannot keep up is dropped.
func (h *Hub) deliver(client *Client, frame []byte) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- frame:
	default:
		h.log.Warn("dropping slow client", zap.String("remote", client.remote))
		h.metrics.DroppedClients.Inc()
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	group, ok := h.clients[client]
	if !ok {
		return
	}
	if group != "" {
		h.leave(client, group)
	}
	delete(h.clients, client)
	close(client.send)
	h.metrics.ActiveConnections.Dec()
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Join moves client into group, leaving whatever group it was in.
func (h *Hub) Join(client *Client, group string) {
	select {
	case h.join <- membership{client: client, group: group}:
	case <-h.done:
	}
}

func (h *Hub) Publish(group string, frame []byte, exceptID string) {
	select {
	case h.broadcast <- delivery{group: group, except: exceptID, frame: frame}:
	case <-h.done:
	}
}

// Reply queues frame for one client only.
func (h *Hub) Reply(client *Client, frame []byte) {
	select {
	case h.broadcast <- delivery{target: client, frame: frame}:
	case <-h.done:
	}
}
