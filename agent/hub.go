package main

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/workspace"
)

// Client represents a single connected editor UI.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub maintains the set of active UI clients and broadcasts the document
// to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       <-chan struct{}
}

func newHub(done <-chan struct{}) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       done,
	}
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				close(client.send)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			glog.Infof("UI client registered. Total clients: %d", len(h.clients))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				glog.Infof("UI client unregistered. Total clients: %d", len(h.clients))
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// View is what UIs receive after every change.
type View struct {
	Workspace string `json:"workspace"`
	Text      string `json:"text"`
	Online    bool   `json:"online"`

	Blocks []*workspace.Block `json:"blocks"`
}

func (h *Hub) publish(view View) {
	message, err := json.Marshal(view)
	if err != nil {
		glog.Errorf("Error encoding view: %v", err)
		return
	}
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func serveWs(hub *Hub, replica *Replica, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("UI upgrade failed: %v", err)
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, 256)}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}
	go client.writePump()

	// a new UI starts from the current document
	hub.publish(replica.View())
	client.readPump(hub, replica)
}

func (c *Client) readPump(hub *Hub, replica *Replica) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
		c.conn.Close()
	}()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var op Op
		if err := json.Unmarshal(message, &op); err != nil {
			glog.Infof("Error decoding op: %v", err)
			continue
		}
		if err := replica.Edit(op); err != nil {
			glog.Infof("Rejected op: %v", err)
		}
	}
}

func (c *Client) writePump() {
	defer func() {
		c.conn.Close()
	}()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		c.conn.WriteMessage(websocket.TextMessage, message)
	}
}
