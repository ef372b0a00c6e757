package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatty-rooms/internal/models"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 << 10

	sendBufferSize = 256
)

// Client is one live websocket connection.
type Client struct {
	id     string
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	remote string

	// user is resolved once at connect; nil means anonymous.
	user *models.User
}

// ID names the connection to publishers.
func (c *Client) ID() string { return c.id }

// readPump pumps frames from the websocket to the gateway. Frames from one
// connection are handled in arrival order.
func (c *Client) readPump() {
	defer func() {
		c.gw.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.gw.log.Debug("websocket read failed", zap.String("remote", c.remote), zap.Error(err))
			}
			return
		}
		c.gw.handle(c, frame)
	}
}

// writePump pumps frames from the hub to the websocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
