package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/keylock"
	"github.com/pliu/chatty-rooms/internal/messages"
	"github.com/pliu/chatty-rooms/internal/metrics"
	"github.com/pliu/chatty-rooms/internal/models"
	"go.uber.org/zap"
)

// Client events.
const (
	EventJoin   = "join"
	EventSend   = "send"
	EventTyping = "typing"
	EventRead   = "read"
)

// Server events.
const (
	EventMessage        = "message"
	EventMessageDeleted = "messageDeleted"
	EventJoined         = "joined"
	EventError          = "error"
)

// Writes started by a connection outlive it; they get their own deadline.
const persistTimeout = 10 * time.Second

const groupPrefix = "room:"

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinPayload struct {
	RoomID string `json:"roomId"`
}

type sendPayload struct {
	Content string `json:"content"`
	RoomID  string `json:"roomId"`
	Author  string `json:"author"`
	UserID  string `json:"userId"`
}

type typingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping *bool  `json:"isTyping"`
}

type readPayload struct {
	RoomID    string  `json:"roomId"`
	MessageID *string `json:"messageId"`
}

type JoinedEvent struct {
	Room string `json:"room"`
}

type TypingEvent struct {
	RoomID   *string `json:"roomId"`
	Author   string  `json:"author"`
	UserID   *string `json:"userId"`
	IsTyping bool    `json:"isTyping"`
}

type ReadEvent struct {
	RoomID    *string `json:"roomId"`
	UserID    string  `json:"userId"`
	MessageID *string `json:"messageId"`
}

type DeletedEvent struct {
	ID     string  `json:"id"`
	RoomID *string `json:"roomId"`
}

type ErrorEvent struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

// GroupName is the broadcast group for a room id. The empty id and
// "default" share the sentinel group.
func GroupName(roomID string) string {
	return groupPrefix + messages.RoomName(messages.RoomKey(roomID))
}

// TokenResolver turns a session token into the live identity.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*models.User, error)
}

type Gateway struct {
	hub      *Hub
	pub      Publisher
	ids      TokenResolver
	msgs     *messages.Service
	rooms    *keylock.Map
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithPublisher routes room broadcasts through p instead of the hub.
// Replies to a single connection still go through the hub.
func WithPublisher(p Publisher) Option {
	return func(g *Gateway) { g.pub = p }
}

func NewGateway(hub *Hub, ids TokenResolver, msgs *messages.Service, m *metrics.Metrics, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		hub:     hub,
		pub:     hub,
		ids:     ids,
		msgs:    msgs,
		rooms:   keylock.New(),
		metrics: m,
		log:     log,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetAllowedOrigins restricts websocket upgrades to the given origins.
// An empty list or "*" allows any origin.
func (g *Gateway) SetAllowedOrigins(origins []string) {
	for _, o := range origins {
		if o == "*" {
			return
		}
	}
	if len(origins) == 0 {
		return
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	g.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// ServeWs upgrades the request. A missing or bad token leaves the
// connection anonymous; it is never a reason to refuse it.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	var user *models.User
	if token := auth.TokenFromRequest(r); token != "" {
		u, err := g.ids.ResolveToken(r.Context(), token)
		if err != nil {
			g.log.Debug("websocket token rejected, continuing anonymously",
				zap.String("remote", r.RemoteAddr), zap.Error(err))
		} else {
			user = u
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &Client{
		id:     uuid.NewString(),
		gw:     g,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		remote: r.RemoteAddr,
		user:   user,
	}
	if !g.hub.Register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// SendMessage persists a message and broadcasts it to the room's group.
// Both steps run under the room's lock, so subscribers see messages in
// the order they were stored.
func (g *Gateway) SendMessage(ctx context.Context, in messages.AppendInput, source string) (*models.Message, error) {
	group := GroupName(in.RoomID)
	unlock := g.rooms.Lock(group)
	defer unlock()

	msg, err := g.msgs.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	g.metrics.MessagesStored.WithLabelValues(source).Inc()
	g.publish(group, EventMessage, msg, "")
	return msg, nil
}

// PublishDeleted tells a room that one of its messages is gone.
func (g *Gateway) PublishDeleted(id string, roomID *string) {
	group := GroupName(messages.RoomName(roomID))
	unlock := g.rooms.Lock(group)
	defer unlock()

	g.publish(group, EventMessageDeleted, DeletedEvent{ID: id, RoomID: roomID}, "")
}

func (g *Gateway) publish(group, event string, data any, exceptID string) {
	frame, err := encode(event, data)
	if err != nil {
		g.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	g.pub.Publish(group, frame, exceptID)
	g.metrics.Broadcasts.WithLabelValues(event).Inc()
}

func (g *Gateway) reply(c *Client, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		g.log.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	g.hub.Reply(c, frame)
}

func (g *Gateway) replyError(c *Client, err error) {
	g.reply(c, EventError, ErrorEvent{Code: apperr.KindOf(err), Message: apperr.Message(err)})
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

func decode(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (g *Gateway) handle(c *Client, frame []byte) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		g.replyError(c, apperr.Invalid("Malformed frame"))
		return
	}

	switch env.Event {
	case EventJoin:
		var p joinPayload
		if err := decode(env.Data, &p); err != nil {
			g.replyError(c, apperr.Invalid("Malformed join"))
			return
		}
		group := GroupName(p.RoomID)
		g.hub.Join(c, group)
		g.reply(c, EventJoined, JoinedEvent{Room: group})

	case EventSend:
		var p sendPayload
		if err := decode(env.Data, &p); err != nil {
			g.replyError(c, apperr.Invalid("Malformed message"))
			return
		}
		content := strings.TrimSpace(p.Content)
		if content == "" {
			return
		}
		in := messages.AppendInput{Author: p.Author, Content: content, RoomID: p.RoomID, UserID: p.UserID}
		if c.user != nil {
			in.UserID = c.user.ID
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if _, err := g.SendMessage(ctx, in, "gateway"); err != nil {
			if apperr.KindOf(err) == apperr.KindInternal {
				g.log.Error("persist message", zap.String("remote", c.remote), zap.Error(err))
			}
			g.replyError(c, err)
		}

	case EventTyping:
		var p typingPayload
		if err := decode(env.Data, &p); err != nil {
			return
		}
		ev := TypingEvent{
			RoomID:   messages.RoomKey(p.RoomID),
			Author:   messages.AnonymousAuthor,
			IsTyping: p.IsTyping == nil || *p.IsTyping,
		}
		if c.user != nil {
			id := c.user.ID
			ev.Author = c.user.Username
			ev.UserID = &id
		}
		g.publish(GroupName(p.RoomID), EventTyping, ev, c.id)

	case EventRead:
		var p readPayload
		if err := decode(env.Data, &p); err != nil || c.user == nil {
			return
		}
		ev := ReadEvent{RoomID: messages.RoomKey(p.RoomID), UserID: c.user.ID, MessageID: p.MessageID}
		g.publish(GroupName(p.RoomID), EventRead, ev, c.id)

	default:
		g.replyError(c, apperr.Invalid("Unknown event"))
	}
}
