package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// pushMessage is the envelope every websocket subscriber receives.
type pushMessage struct {
	Topic     string      `json:"topic"`
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// connection is one subscriber socket.
type connection struct {
	id         string
	conn       *websocket.Conn
	send       chan pushMessage
	remoteAddr string
}

const (
	hubWriteTimeout   = 10 * time.Second
	hubPongTimeout    = 60 * time.Second
	hubPingInterval   = 30 * time.Second
	hubMaxConnections = 100
	hubSendBuffer     = 64
)

// Hub fans out pipeline, session, and sync events to every connected
// websocket client. It implements pipeline.Publisher and
// syncworker.Publisher with one Publish method: every event goes to
// every connection, whatever its topic. The topic ("attendance" from
// the pipeline, "system" from the sync worker) travels only inside the
// event envelope; a connection cannot subscribe to a subset of topics.
type Hub struct {
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
	nextID      int64

	register   chan *connection
	unregister chan *connection
	broadcast  chan pushMessage
	done       chan struct{}
}

// NewHub constructs a Hub. CheckOrigin is left permissive; deployments
// that need origin restriction should front this with a reverse proxy.
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		logger: logger.WithField("component", "websocket-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		connections: make(map[string]*connection),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		broadcast:   make(chan pushMessage, 256),
		done:        make(chan struct{}),
	}
}

// Start launches the hub's run loop.
func (h *Hub) Start() { go h.run() }

// Stop halts the run loop and closes every open connection.
func (h *Hub) Stop() {
	close(h.done)
}

// Publish implements pipeline.Publisher and syncworker.Publisher.
func (h *Hub) Publish(topic, event string, payload interface{}) {
	select {
	case h.broadcast <- pushMessage{Topic: topic, Event: event, Timestamp: time.Now(), Data: payload}:
	default:
		h.logger.Warn("broadcast channel full, dropping event")
	}
}

func (h *Hub) run() {
	ticker := time.NewTicker(hubPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, c := range h.connections {
				c.conn.Close()
			}
			h.connections = make(map[string]*connection)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			if len(h.connections) >= hubMaxConnections {
				h.mu.Unlock()
				c.conn.Close()
				continue
			}
			h.connections[c.id] = c
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[c.id]; ok {
				delete(h.connections, c.id)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.connections {
				select {
				case c.send <- msg:
				default:
					h.logger.WithField("connection", c.id).Warn("subscriber send buffer full, dropping")
				}
			}
			h.mu.RUnlock()
		case <-ticker.C:
			h.mu.RLock()
			for _, c := range h.connections {
				_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteTimeout))
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWebSocket upgrades the request and runs the connection's read
// and write pumps until the socket closes.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()

	c := &connection{
		id:         "conn-" + strconv.FormatInt(id, 10),
		conn:       conn,
		send:       make(chan pushMessage, hubSendBuffer),
		remoteAddr: r.RemoteAddr,
	}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *connection) {
	defer func() { h.unregister <- c }()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(hubPongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *connection) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
