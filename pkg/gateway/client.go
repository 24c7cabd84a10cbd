package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/model"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateAuthenticated:
		return "authenticated"
	case stateClosed:
		return "closed"
	default:
		return "unauthenticated"
	}
}

// Client is a middleman between the websocket connection and the hub.
//
// session, state and rooms belong to the read goroutine. Deliver may be
// called from any goroutine.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	id string

	// Buffered channel of outbound frames. It is never closed; closed
	// signals the writer instead.
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	session auth.Session
	state   state
	rooms   map[string]bool
	limiter *rate.Limiter
}

func newClient(h *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		id:      id,
		send:    make(chan []byte, h.cfg.SendBuffer),
		closed:  make(chan struct{}),
		session: auth.AnonymousSession(),
		state:   stateUnauthenticated,
		rooms:   make(map[string]bool),
		limiter: h.newLimiter(),
	}
}

func (c *Client) ID() string { return c.id }

// Deliver queues a frame without blocking. A client whose buffer is full
// cannot keep up and is disconnected.
func (c *Client) Deliver(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.hub.metrics.FrameDropped()
		c.hub.log.Warn("send buffer full, dropping client", "conn", c.id)
		c.kick()
		return false
	}
}

func (c *Client) kick() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) sendEvent(event string, payload any) {
	frame, err := model.Frame(event, payload)
	if err != nil {
		c.hub.log.Error("encode event", "event", event, "error", err)
		return
	}
	c.Deliver(frame)
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.kick()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.log.Info("websocket read error", "conn", c.id, "error", err)
			}
			break
		}
		c.handle(message)
	}
}

// writePump pumps frames from the send buffer to the websocket connection,
// one frame per websocket message.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.kick()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kick()
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
