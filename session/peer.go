package session

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"collabtext/crdt"
	"collabtext/protocol"
)

// Peer is the client side of the sync protocol. It keeps a local replica
// in step with a server session.
type Peer struct {
	ID string

	doc *crdt.Doc

	// OnRemote, when set, is called after an update from the server changed
	// the replica.
	OnRemote func(update []byte, applied crdt.Applied)
	// OnNotice, when set, receives server notices.
	OnNotice func(code uint64, text string)

	mu        sync.Mutex
	state     State
	remote    crdt.StateVector
	presences map[string][]byte
}

func NewPeer(id string, doc *crdt.Doc) *Peer {
	return &Peer{
		ID:        id,
		doc:       doc,
		state:     Connected,
		presences: map[string][]byte{},
	}
}

func (p *Peer) Doc() *crdt.Doc {
	return p.doc
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start opens the handshake. It may be called again after a reconnect.
func (p *Peer) Start() []*protocol.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = AwaitingHandshake
	p.presences = map[string][]byte{}
	return []*protocol.Message{protocol.StateVector(p.doc.StateVector())}
}

// OnReceive handles one frame from the server.
func (p *Peer) OnReceive(frame []byte) ([]*protocol.Message, error) {
	m, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	if p.State() == Connected {
		return nil, fmt.Errorf("%w: %s before start", protocol.ErrProtocol, m.Kind)
	}

	switch m.Kind {
	case protocol.KindStateVector:
		p.mu.Lock()
		p.remote = m.Vector
		p.state = Synced
		p.mu.Unlock()
		return []*protocol.Message{protocol.Update(p.doc.Diff(m.Vector), p.ID)}, nil
	case protocol.KindUpdate:
		applied, err := p.doc.Apply(m.Update)
		if err != nil {
			return nil, err
		}
		if applied.Changed() && p.OnRemote != nil {
			p.OnRemote(m.Update, applied)
		}
	case protocol.KindPresence:
		p.mu.Lock()
		if len(m.Presence) == 0 {
			delete(p.presences, m.Origin)
		} else {
			p.presences[m.Origin] = m.Presence
		}
		p.mu.Unlock()
	case protocol.KindNotice:
		glog.Infof("[peer]%s notice %d: %s", p.ID, m.Code, m.Text)
		if p.OnNotice != nil {
			p.OnNotice(m.Code, m.Text)
		}
	}
	return nil, nil
}

// Local runs fn as a local transaction and returns the update frame to
// send, or nil when fn changed nothing.
func (p *Peer) Local(fn func(tx *crdt.Txn)) *protocol.Message {
	update := p.doc.Transact(fn)
	if update == nil {
		return nil
	}
	return protocol.Update(update, p.ID)
}

// Presences returns the presence payloads of the other sessions.
func (p *Peer) Presences() map[string][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string][]byte, len(p.presences))
	for id, payload := range p.presences {
		out[id] = payload
	}
	return out
}

// Remote is the server state vector received in the last handshake.
func (p *Peer) Remote() crdt.StateVector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote.Clone()
}
