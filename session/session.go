// Package session runs the sync protocol for one connection to a workspace.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/crdt"
	"collabtext/hub"
	"collabtext/protocol"
	"collabtext/workspace"
)

var ErrClosed = errors.New("session closed")

type State int

const (
	Connected State = iota
	AwaitingHandshake
	Synced
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case AwaitingHandshake:
		return "awaiting-handshake"
	case Synced:
		return "synced"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Relay forwards frames to other server processes serving the same
// workspaces.
type Relay interface {
	Publish(ctx context.Context, workspaceID string, frame []byte) error
}

type Config struct {
	// LivenessTimeout closes a session that sent nothing, not even a pong,
	// for this long.
	LivenessTimeout time.Duration
	SendBuffer      int
	MaxMessageSize  int64

	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 60 * time.Second,
		SendBuffer:      hub.DefaultSendBuffer,
		MaxMessageSize:  8 << 20,
		Now:             time.Now,
	}
}

// Session is the server side of one connection.
type Session struct {
	ID string

	ws      *workspace.Workspace
	hub     *hub.Hub
	relay   Relay
	client  *hub.Client
	release func()
	cfg     Config

	mu               sync.Mutex
	state            State
	lastSent         crdt.StateVector
	lastSeen         time.Time
	degradedNotified bool
}

// New creates a session attached to ws. release is called once when the
// session closes; relay may be nil.
func New(id string, ws *workspace.Workspace, h *hub.Hub, relay Relay, release func(), cfg Config) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		ID:       id,
		ws:       ws,
		hub:      h,
		relay:    relay,
		client:   hub.NewClient(id, cfg.SendBuffer),
		release:  release,
		cfg:      cfg,
		state:    Connected,
		lastSeen: cfg.Now(),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client is the hub handle whose queue carries every outbound frame.
func (s *Session) Client() *hub.Client {
	return s.client
}

// Touch records a liveness signal.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = s.cfg.Now()
}

// Expired reports whether nothing was heard from the peer within the
// liveness timeout.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LivenessTimeout > 0 && now.Sub(s.lastSeen) > s.cfg.LivenessTimeout
}

// Start returns the opening state vector. The session joins the workspace
// fan-out once the peer answers with its own state vector.
func (s *Session) Start() ([]*protocol.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, fmt.Errorf("%w: start in state %s", protocol.ErrProtocol, s.state)
	}
	s.state = AwaitingHandshake
	s.lastSent = s.ws.Doc().StateVector()
	glog.V(1).Infof("[s]%s/%s started at %s", s.ws.ID, s.ID, s.lastSent)
	return []*protocol.Message{protocol.StateVector(s.lastSent)}, nil
}

// OnReceive handles one inbound frame and returns the frames to send back
// to this peer. Broadcasts to other sessions happen as a side effect. An
// error means the session must be closed.
func (s *Session) OnReceive(ctx context.Context, frame []byte) ([]*protocol.Message, error) {
	m, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	state := s.state
	s.lastSeen = s.cfg.Now()
	s.mu.Unlock()

	switch {
	case state == Closed:
		return nil, ErrClosed
	case state == Connected:
		return nil, fmt.Errorf("%w: %s before start", protocol.ErrProtocol, m.Kind)
	}

	switch m.Kind {
	case protocol.KindStateVector:
		return s.onStateVector(m.Vector, state), nil
	case protocol.KindUpdate:
		if state != Synced {
			return nil, fmt.Errorf("%w: update before handshake", protocol.ErrProtocol)
		}
		delta, err := crdt.NewDelta(s.ID, m.Update)
		if err != nil {
			return nil, err
		}
		applied, err := s.ws.Merge(delta)
		if err != nil {
			return nil, err
		}
		glog.V(2).Infof("[s]%s/%s update %+v", s.ws.ID, s.ID, applied)
		if !applied.Novel() {
			return nil, nil
		}
		return s.OnLocalUpdate(ctx, delta), nil
	case protocol.KindPresence:
		if !s.ws.SetPresence(s.ID, m.Presence) {
			return nil, nil
		}
		s.broadcast(ctx, protocol.Presence(m.Presence, s.ID))
		return nil, nil
	case protocol.KindNotice:
		glog.V(1).Infof("[s]%s/%s peer notice %d: %s", s.ws.ID, s.ID, m.Code, m.Text)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unexpected %s", protocol.ErrProtocol, m.Kind)
}

func (s *Session) onStateVector(remote crdt.StateVector, state State) []*protocol.Message {
	if state == AwaitingHandshake {
		// subscribe before diffing so no update falls between the two
		s.hub.Subscribe(s.ws.ID, s.client)
	}
	out := []*protocol.Message{
		protocol.Update(s.ws.Doc().Diff(remote), ""),
	}
	s.mu.Lock()
	s.state = Synced
	s.mu.Unlock()

	if state == AwaitingHandshake {
		glog.V(1).Infof("[s]%s/%s synced from %s", s.ws.ID, s.ID, remote)
		for id, payload := range s.ws.Presences() {
			if id != s.ID {
				out = append(out, protocol.Presence(payload, id))
			}
		}
	}
	return out
}

// OnLocalUpdate persists a delta already merged into the workspace and fans
// it out to every other session. Store failures keep the session open and
// are reported to the peer as degraded durability.
func (s *Session) OnLocalUpdate(ctx context.Context, delta *crdt.Delta) []*protocol.Message {
	var out []*protocol.Message
	err := s.ws.Append(ctx, delta)

	s.mu.Lock()
	switch {
	case err != nil && !s.degradedNotified:
		s.degradedNotified = true
		out = append(out, protocol.Notice(protocol.NoticeDegraded, "updates are not yet durable"))
	case err == nil && s.degradedNotified:
		s.degradedNotified = false
		out = append(out, protocol.Notice(protocol.NoticeDurable, "updates are durable again"))
	}
	s.mu.Unlock()

	s.broadcast(ctx, protocol.Update(delta.Update, s.ID))
	return out
}

func (s *Session) broadcast(ctx context.Context, m *protocol.Message) {
	frame := m.Encode()
	s.hub.Publish(s.ws.ID, frame, s.ID)
	if s.relay != nil {
		if err := s.relay.Publish(ctx, s.ws.ID, frame); err != nil {
			glog.Warningf("[s]%s/%s relay %s: %v", s.ws.ID, s.ID, m.Kind, err)
		}
	}
}

// Send queues m for this peer. It reports false when the peer is not
// keeping up or the session is closed.
func (s *Session) Send(m *protocol.Message) bool {
	return s.client.Offer(m.Encode())
}

// Close detaches the session from the hub and the workspace and announces
// that its presence is gone. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.mu.Unlock()

	s.hub.Unsubscribe(s.ws.ID, s.client)
	if s.ws.SetPresence(s.ID, nil) {
		s.broadcast(context.Background(), protocol.Presence(nil, s.ID))
	}
	if s.release != nil {
		s.release()
	}
	glog.V(1).Infof("[s]%s/%s closed", s.ws.ID, s.ID)
}
