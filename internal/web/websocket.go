// internal/web/websocket.go
package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleetwatch/internal/database"
	"fleetwatch/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type WSClient struct {
	conn *websocket.Conn
	send chan WSMessage
	hub  *Hub
}

// Hub fans check transitions and outage events out to connected
// dashboard clients. It implements the evaluator's Broadcaster and the
// outage tracker's EventListener.
type Hub struct {
	mu      sync.Mutex
	clients map[*WSClient]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*WSClient]bool)}
}

func (h *Hub) CheckStatusChanged(check *database.Check, from, to database.CheckStatus) {
	h.Broadcast(WSMessage{
		Type: "check_transition",
		Data: gin.H{
			"check_id":   check.ID,
			"agent_id":   check.AgentID,
			"check_type": check.Type,
			"from":       from,
			"to":         to,
			"fail_count": check.FailCount,
		},
	})
}

func (h *Hub) OutageOpened(agent *database.Agent, outage *database.AgentOutage) {
	h.Broadcast(WSMessage{
		Type: "outage_opened",
		Data: gin.H{
			"agent_id":  agent.ID,
			"hostname":  agent.Hostname,
			"outage_id": outage.ID,
			"start":     outage.Start,
		},
	})
}

func (h *Hub) OutageClosed(agent *database.Agent, outage *database.AgentOutage) {
	h.Broadcast(WSMessage{
		Type: "outage_closed",
		Data: gin.H{
			"agent_id":  agent.ID,
			"hostname":  agent.Hostname,
			"outage_id": outage.ID,
			"start":     outage.Start,
			"end":       outage.End,
		},
	})
}

func (h *Hub) Broadcast(message WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			close(client.send)
			delete(h.clients, client)
			metrics.WebSocketConnections.Dec()
		}
	}
}

func (h *Hub) register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	metrics.WebSocketConnections.Inc()
}

func (h *Hub) unregister(client *WSClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		metrics.WebSocketConnections.Dec()
	}
	h.mu.Unlock()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade websocket")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WSMessage, 256),
		hub:  s.hub,
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
