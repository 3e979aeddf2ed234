// Package hub fans frames out to the clients attached to each workspace.
package hub

import (
	"sync"

	"github.com/golang/glog"
)

// DefaultSendBuffer bounds the frames queued for one client.
const DefaultSendBuffer = 256

// Client is one fan-out target. Its send queue is closed when the client is
// removed from the hub or dropped for falling behind.
type Client struct {
	ID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(id string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Client{
		ID:   id,
		send: make(chan []byte, buffer),
	}
}

// Send returns the queue drained by the client's writer.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Offer queues frame without blocking. It reports false when the queue is
// full or already closed.
func (c *Client) Offer(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client

	// OnEmpty, when set, runs after the last client of a workspace leaves.
	// It is called without the hub lock held.
	OnEmpty func(workspaceID string)
}

func New() *Hub {
	return &Hub{
		rooms: map[string]map[string]*Client{},
	}
}

// Subscribe adds client to the workspace room, replacing any earlier client
// registered under the same id.
func (h *Hub) Subscribe(workspaceID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[workspaceID]
	if !ok {
		room = map[string]*Client{}
		h.rooms[workspaceID] = room
	}
	if prev, ok := room[client.ID]; ok && prev != client {
		prev.Close()
	}
	room[client.ID] = client
	glog.V(1).Infof("[hub]%s subscribed %s (%d clients)", workspaceID, client.ID, len(room))
}

// Publish queues frame for every client of the workspace except exclude and
// returns how many clients received it. Clients whose queue is full are
// dropped instead of blocking the others.
func (h *Hub) Publish(workspaceID string, frame []byte, exclude string) int {
	h.mu.Lock()
	room := h.rooms[workspaceID]
	delivered := 0
	dropped := false
	for id, client := range room {
		if id == exclude {
			continue
		}
		if client.Offer(frame) {
			delivered += 1
		} else {
			glog.Warningf("[hub]%s dropping congested client %s", workspaceID, id)
			client.Close()
			delete(room, id)
			dropped = true
		}
	}
	empty := dropped && len(room) == 0
	if empty {
		delete(h.rooms, workspaceID)
	}
	h.mu.Unlock()

	if empty {
		h.emptied(workspaceID)
	}
	return delivered
}

// Unsubscribe removes client and closes its queue. Unknown clients are
// ignored.
func (h *Hub) Unsubscribe(workspaceID string, client *Client) {
	h.mu.Lock()
	room := h.rooms[workspaceID]
	current, ok := room[client.ID]
	if ok && current == client {
		delete(room, client.ID)
	}
	empty := ok && current == client && len(room) == 0
	if empty {
		delete(h.rooms, workspaceID)
	}
	h.mu.Unlock()

	client.Close()
	if empty {
		h.emptied(workspaceID)
	}
}

func (h *Hub) emptied(workspaceID string) {
	glog.V(1).Infof("[hub]%s has no clients", workspaceID)
	if h.OnEmpty != nil {
		h.OnEmpty(workspaceID)
	}
}

// Count returns the number of clients attached to the workspace.
func (h *Hub) Count(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[workspaceID])
}

// CloseAll disconnects every client of every workspace.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = map[string]map[string]*Client{}
	h.mu.Unlock()

	for workspaceID, room := range rooms {
		for _, client := range room {
			client.Close()
		}
		h.emptied(workspaceID)
	}
}
