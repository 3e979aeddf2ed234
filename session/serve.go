package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabtext/crdt"
	"collabtext/hub"
	"collabtext/protocol"
	"collabtext/store"
	"collabtext/workspace"
)

const writeWait = 10 * time.Second

// Server accepts websocket connections and runs a Session for each.
type Server struct {
	Registry *workspace.Registry
	Hub      *hub.Hub
	Relay    Relay
	Config   Config

	// Watch, when set, is called for every workspace a connection attaches
	// to so that relayed frames for it start flowing in.
	Watch func(ctx context.Context, workspaceID string) error

	Upgrader websocket.Upgrader
}

func NewServer(registry *workspace.Registry, h *hub.Hub, cfg Config) *Server {
	return &Server{
		Registry: registry,
		Hub:      h,
		Config:   cfg,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWorkspace upgrades the request and serves the sync protocol for
// workspaceID until the connection ends. workspaceID is trusted.
func (sv *Server) ServeWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) {
	ws, release, err := sv.Registry.Acquire(r.Context(), workspaceID)
	if err != nil {
		glog.Errorf("[s]%s unavailable: %v", workspaceID, err)
		status := http.StatusServiceUnavailable
		if store.IsCorrupt(err) {
			status = http.StatusInternalServerError
		}
		http.Error(w, "workspace unavailable", status)
		return
	}
	if sv.Watch != nil {
		if err := sv.Watch(r.Context(), workspaceID); err != nil {
			glog.Warningf("[s]%s relay watch: %v", workspaceID, err)
		}
	}

	conn, err := sv.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		release()
		glog.Infof("[s]%s upgrade failed: %v", workspaceID, err)
		return
	}
	s := New(uuid.NewString(), ws, sv.Hub, sv.Relay, release, sv.Config)
	Serve(conn, s)
}

// ApplyRemote merges a frame relayed from another server process and fans
// it out locally. The originating process already appended it to the shared
// store. Frames for workspaces not loaded here are ignored.
func (sv *Server) ApplyRemote(workspaceID string, frame []byte) {
	ws, ok := sv.Registry.Lookup(workspaceID)
	if !ok {
		return
	}
	m, err := protocol.Decode(frame)
	if err != nil {
		glog.Warningf("[s]%s bad relayed frame: %v", workspaceID, err)
		return
	}
	switch m.Kind {
	case protocol.KindUpdate:
		delta, err := crdt.NewDelta(m.Origin, m.Update)
		if err != nil {
			glog.Warningf("[s]%s bad relayed update: %v", workspaceID, err)
			return
		}
		applied, err := ws.Merge(delta)
		if err != nil || !applied.Novel() {
			return
		}
	case protocol.KindPresence:
		ws.SetPresence(m.Origin, m.Presence)
	default:
		return
	}
	sv.Hub.Publish(workspaceID, frame, m.Origin)
}

// Serve runs the session over conn until either side goes away. Every
// frame to the peer goes through the session's hub queue, drained by a
// single writer.
func Serve(conn *websocket.Conn, s *Session) {
	out, err := s.Start()
	if err != nil {
		glog.Infof("[s]%s start: %v", s.ID, err)
		s.Close()
		conn.Close()
		return
	}
	for _, m := range out {
		s.Send(m)
	}
	go s.writePump(conn)
	s.readPump(conn)
}

func (s *Session) readPump(conn *websocket.Conn) {
	// closing the session closes the send queue; the writer then flushes
	// what is queued and closes conn
	defer s.Close()
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})

	ctx := context.Background()
	for {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.Infof("[s]%s/%s read: %v", s.ws.ID, s.ID, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			glog.Infof("[s]%s/%s non binary frame", s.ws.ID, s.ID)
			s.Send(protocol.Notice(protocol.NoticeMalformed, "binary frames only"))
			return
		}
		out, err := s.OnReceive(ctx, frame)
		if err != nil {
			glog.Infof("[s]%s/%s closing: %v", s.ws.ID, s.ID, err)
			if errors.Is(err, crdt.ErrMalformed) || errors.Is(err, protocol.ErrProtocol) {
				s.Send(protocol.Notice(protocol.NoticeMalformed, err.Error()))
			}
			return
		}
		for _, m := range out {
			if !s.Send(m) {
				glog.Warningf("[s]%s/%s send queue full", s.ws.ID, s.ID)
				return
			}
		}
	}
}

// writePump also enforces liveness: a peer that sent neither frames nor
// pongs within the timeout is closed, which ends the read side too.
func (s *Session) writePump(conn *websocket.Conn) {
	var ping <-chan time.Time
	if s.cfg.LivenessTimeout > 0 {
		ticker := time.NewTicker(s.cfg.LivenessTimeout / 2)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer conn.Close()
	for {
		select {
		case frame, ok := <-s.client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ping:
			if s.Expired(s.cfg.Now()) {
				glog.Infof("[s]%s/%s no liveness signal for %s", s.ws.ID, s.ID, s.cfg.LivenessTimeout)
				// the queue closes and the next receive sends the close frame
				s.Close()
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
