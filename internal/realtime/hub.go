// Package realtime fans annotation events out to websocket subscribers.
// Clients join rooms keyed by document source and class; events addressed
// to a room reach only its members, unscoped events reach every client.
package realtime

import (
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is the subset of *websocket.Conn the hub uses. Tests substitute fakes.
type conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type client struct {
	conn  conn
	mu    sync.Mutex // guards writes, gorilla allows one concurrent writer
	rooms map[string]bool
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// controlMessage is what clients send to manage their room subscriptions.
type controlMessage struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// envelope is the wire format for outbound events.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	rooms   map[string]map[*client]bool
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		rooms:   make(map[string]map[*client]bool),
	}
}

// ServeWS upgrades the request and runs the client's read loop until the
// connection drops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	h.runClient(wsConn)
}

func (h *Hub) runClient(c conn) {
	cl := &client{conn: c, rooms: make(map[string]bool)}
	h.mu.Lock()
	h.clients[cl] = true
	h.mu.Unlock()

	defer func() {
		h.drop(cl)
		_ = c.Close()
	}()

	for {
		var msg controlMessage
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "join":
			if msg.Room != "" {
				h.join(cl, msg.Room)
			}
		case "leave":
			if msg.Room != "" {
				h.leave(cl, msg.Room)
			}
		default:
			_ = cl.send(envelope{Event: "error", Data: map[string]string{"message": "unknown action: " + msg.Action}})
		}
	}
}

func (h *Hub) join(cl *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[*client]bool)
		h.rooms[roomID] = members
	}
	members[cl] = true
	cl.rooms[roomID] = true
}

func (h *Hub) leave(cl *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(cl, roomID)
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range cl.rooms {
		h.removeFromRoom(cl, roomID)
	}
	delete(h.clients, cl)
}

// removeFromRoom requires h.mu held. Empty rooms are pruned so room prefix
// scans only ever see rooms with live members.
func (h *Hub) removeFromRoom(cl *client, roomID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, cl)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(cl.rooms, roomID)
}

// EmitTo delivers an event to every member of a room.
func (h *Hub) EmitTo(roomID, event string, payload any) {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[roomID]))
	for cl := range h.rooms[roomID] {
		members = append(members, cl)
	}
	h.mu.RUnlock()

	for _, cl := range members {
		if err := cl.send(envelope{Event: event, Data: payload}); err != nil {
			log.Printf("websocket write to room %s failed: %v", roomID, err)
		}
	}
}

// EmitAll delivers an event to every connected client regardless of rooms.
func (h *Hub) EmitAll(event string, payload any) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		if err := cl.send(envelope{Event: event, Data: payload}); err != nil {
			log.Printf("websocket broadcast failed: %v", err)
		}
	}
}

// RoomsWithPrefix returns the active rooms whose ID starts with prefix.
func (h *Hub) RoomsWithPrefix(prefix string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	matches := make([]string, 0)
	for roomID := range h.rooms {
		if strings.HasPrefix(roomID, prefix) {
			matches = append(matches, roomID)
		}
	}
	return matches
}
