package session

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"collabtext/crdt"
	"collabtext/hub"
	"collabtext/protocol"
	"collabtext/store"
	"collabtext/workspace"
)

// fanout stands in for the relay: every published frame is handed to the
// other servers sharing it.
type fanout struct {
	mu      sync.Mutex
	servers []*Server
}

type fanoutEnd struct {
	f    *fanout
	self *Server
}

func (e fanoutEnd) Publish(ctx context.Context, workspaceID string, frame []byte) error {
	e.f.mu.Lock()
	servers := append([]*Server(nil), e.f.servers...)
	e.f.mu.Unlock()
	for _, sv := range servers {
		if sv != e.self {
			sv.ApplyRemote(workspaceID, frame)
		}
	}
	return nil
}

func (f *fanout) join(sv *Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servers = append(f.servers, sv)
	sv.Relay = fanoutEnd{f: f, self: sv}
}

func TestApplyRemote(t *testing.T) {
	f := newFixture(t)
	sv := NewServer(f.registry, f.hub, DefaultConfig())
	a := f.synced("a")
	queued(t, a)
	ws, _ := f.registry.Lookup("ws")

	update := insert(crdt.NewDocWithClientID(9), 0, "hey")
	frame := protocol.Update(update, "elsewhere").Encode()
	sv.ApplyRemote("ws", frame)
	assert.Equal(t, "hey", ws.Doc().Text("text"))

	got := queued(t, a)
	assert.Equal(t, 1, len(got))
	assert.Equal(t, "elsewhere", got[0].Origin)
	assert.Equal(t, update, got[0].Update)

	// the other process already stored it
	_, records, err := f.store.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(records))
	assert.Equal(t, true, ws.Dirty())

	sv.ApplyRemote("ws", frame)
	assert.Equal(t, 0, len(queued(t, a)))

	sv.ApplyRemote("ws", protocol.Presence([]byte(`{"cursor":1}`), "elsewhere").Encode())
	assert.Equal(t, []byte(`{"cursor":1}`), ws.Presences()["elsewhere"])
	got = queued(t, a)
	assert.Equal(t, 1, len(got))
	assert.Equal(t, protocol.KindPresence, got[0].Kind)

	// frames are never echoed to a local session with the origin's id
	sv.ApplyRemote("ws", protocol.Presence([]byte("x"), "a").Encode())
	assert.Equal(t, 0, len(queued(t, a)))

	sv.ApplyRemote("ws", []byte{0xff})
	sv.ApplyRemote("ws", protocol.Notice(protocol.NoticeClosing, "bye").Encode())
	assert.Equal(t, 0, len(queued(t, a)))

	sv.ApplyRemote("unloaded", frame)
	_, ok := f.registry.Lookup("unloaded")
	assert.Equal(t, false, ok)
}

func TestUpdatesCrossServers(t *testing.T) {
	f := newFixture(t)
	relay := &fanout{}

	one := NewServer(f.registry, f.hub, DefaultConfig())
	relay.join(one)

	// a second process with its own registry and hub over the same store
	cfg := workspace.DefaultConfig(f.store)
	cfg.Policy = store.CompactionPolicy{}
	other := &fixture{t: t, store: f.store, registry: workspace.NewRegistry(cfg), hub: hub.New()}
	two := NewServer(other.registry, other.hub, DefaultConfig())
	relay.join(two)

	wsOne, release, err := f.registry.Acquire(context.Background(), "ws")
	assert.Equal(t, nil, err)
	a := New("a", wsOne, f.hub, one.Relay, release, one.Config)
	wsTwo, release, err := other.registry.Acquire(context.Background(), "ws")
	assert.Equal(t, nil, err)
	b := New("b", wsTwo, other.hub, two.Relay, release, two.Config)
	for _, s := range []*Session{a, b} {
		_, err := s.Start()
		assert.Equal(t, nil, err)
		_, err = s.OnReceive(context.Background(), protocol.StateVector(crdt.StateVector{}).Encode())
		assert.Equal(t, nil, err)
		queued(t, s)
	}

	update := insert(crdt.NewDocWithClientID(1), 0, "hi")
	_, err = a.OnReceive(context.Background(), protocol.Update(update, "").Encode())
	assert.Equal(t, nil, err)

	got := queued(t, b)
	assert.Equal(t, 1, len(got))
	assert.Equal(t, "a", got[0].Origin)
	assert.Equal(t, "hi", wsTwo.Doc().Text("text"))
	assert.Equal(t, 0, len(queued(t, a)))

	// stored once, by the process that received it
	_, records, err := f.store.LoadLatest(context.Background(), "ws")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(records))

	a.Close()
	b.Close()
}
