package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbaur/myshop/random"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
)

// Hub tracks the open websocket connections so they can all be torn down on
// shutdown. Topic routing itself lives on the Bus.
type Hub struct {
	bus *Bus
	log logrus.FieldLogger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(bus *Bus, log logrus.FieldLogger) *Hub {
	return &Hub{
		bus:     bus,
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// client bridges one websocket connection to a bus subscription.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	sub  *Subscription

	once sync.Once
}

// clientMessage is what connected clients may send upstream: joining and
// leaving product watcher rooms.
type clientMessage struct {
	Action    string `json:"action"`
	ProductID string `json:"productId"`
}

func (h *Hub) serve(conn *websocket.Conn, sessionID, userID string) {
	topics := []string{SessionTopic(sessionID), TopicGlobal}
	if userID != "" {
		topics = append(topics, UserTopic(userID))
	}

	c := &client{
		id:   random.String(12),
		hub:  h,
		conn: conn,
		sub:  h.bus.Subscribe(topics...),
	}
	h.add(c)

	h.log.WithFields(logrus.Fields{
		"client_id": c.id,
		"session":   sessionID,
	}).Info("websocket client connected")

	go c.writePump()
	go c.readPump()
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.remove(c)
		c.hub.bus.Unsubscribe(c.sub)
		c.conn.Close()
		c.hub.log.WithField("client_id", c.id).Info("websocket client disconnected")
	})
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.hub.log.Warnf("discarding malformed client message: %v", err)
			continue
		}

		switch msg.Action {
		case "join_product":
			if msg.ProductID != "" {
				c.hub.bus.Join(c.sub, ProductTopic(msg.ProductID))
			}
		case "leave_product":
			if msg.ProductID != "" {
				c.hub.bus.Leave(c.sub, ProductTopic(msg.ProductID))
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
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
