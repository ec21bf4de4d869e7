package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/auctionhouse/pkg/messaging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	id     uuid.UUID
	userID uuid.UUID
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	// subscribed auction ids; empty means all events.
	mu      sync.Mutex
	watches map[uuid.UUID]struct{}
}

// wsHub fans auction events out to connected websocket clients. Each event
// arriving from NATS is re-serialized with its subject and broadcast to
// every client watching that auction.
type wsHub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]*wsClient
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[uuid.UUID]*wsClient)}
}

// attach subscribes the hub to the auction event stream.
func (h *wsHub) attach(events *messaging.Client) error {
	return events.Subscribe(messaging.SubjectAllAuctionEvents, func(msg *nats.Msg) {
		h.broadcast(msg.Subject, msg.Data)
	})
}

type wsEnvelope struct {
	Subject string          `json:"subject"`
	Event   json.RawMessage `json:"event"`
}

func (h *wsHub) broadcast(subject string, data []byte) {
	payload, err := json.Marshal(wsEnvelope{Subject: subject, Event: data})
	if err != nil {
		return
	}

	auctionID := auctionIDOf(data)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.wants(auctionID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow consumer; drop rather than block the fan-out.
		}
	}
}

// auctionIDOf pulls the auction id out of any event payload.
func auctionIDOf(data []byte) uuid.UUID {
	var probe struct {
		AuctionID uuid.UUID `json:"auction_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return uuid.Nil
	}
	return probe.AuctionID
}

func (c *wsClient) wants(auctionID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.watches) == 0 {
		return true
	}
	if auctionID == uuid.Nil {
		return false
	}
	_, ok := c.watches[auctionID]
	return ok
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &wsClient{
		id:      uuid.New(),
		userID:  userID(c),
		conn:    conn,
		send:    make(chan []byte, 32),
		done:    make(chan struct{}),
		watches: make(map[uuid.UUID]struct{}),
	}

	g.hub.mu.Lock()
	g.hub.clients[client.id] = client
	g.hub.mu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

type wsMessage struct {
	Type      string    `json:"type"`
	AuctionID uuid.UUID `json:"auction_id"`
}

func (g *Gateway) wsReadPump(client *wsClient) {
	defer func() {
		g.hub.mu.Lock()
		delete(g.hub.clients, client.id)
		g.hub.mu.Unlock()
		close(client.done)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "watch":
			client.mu.Lock()
			client.watches[msg.AuctionID] = struct{}{}
			client.mu.Unlock()
		case "unwatch":
			client.mu.Lock()
			delete(client.watches, msg.AuctionID)
			client.mu.Unlock()
		}
	}
}

func (g *Gateway) wsWritePump(client *wsClient) {
	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("gateway: websocket write to %s failed: %v", client.id, err)
				return
			}
		case <-client.done:
			return
		}
	}
}
