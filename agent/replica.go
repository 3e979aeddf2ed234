package main

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"collabtext/crdt"
	"collabtext/protocol"
	"collabtext/session"
	"collabtext/store"
	"collabtext/workspace"
)

// Replica is the agent's copy of one workspace. It is kept in a local
// store so edits survive restarts and periods without a server.
type Replica struct {
	workspaceID string
	store       store.Store
	policy      store.CompactionPolicy
	doc         *crdt.Doc
	peer        *session.Peer

	// onChange, when set, receives the view after every change.
	onChange func(View)

	// mu serializes local edits with frames from upstream
	mu      sync.Mutex
	records int
	bytes   int

	connMu sync.Mutex
	conn   *websocket.Conn
}

func openReplica(ctx context.Context, workspaceID string, name string, s store.Store, policy store.CompactionPolicy) (*Replica, error) {
	snapshot, records, err := s.LoadLatest(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	doc := crdt.NewDoc()
	if snapshot != nil {
		if _, err := doc.Apply(snapshot.Data); err != nil {
			return nil, store.Corrupt(workspaceID, "local snapshot: %v", err)
		}
	}
	for _, rec := range records {
		if _, err := doc.Apply(rec.Update); err != nil {
			return nil, store.Corrupt(workspaceID, "local record %d: %v", rec.Seq, err)
		}
	}

	r := &Replica{
		workspaceID: workspaceID,
		store:       s,
		policy:      policy,
		doc:         doc,
		peer:        session.NewPeer(name, doc),
		records:     len(records),
	}
	r.peer.OnRemote = func(update []byte, applied crdt.Applied) {
		r.persist("upstream", update)
		r.notify()
	}
	r.peer.OnNotice = func(code uint64, text string) {
		if code == protocol.NoticeDegraded {
			glog.Warningf("Server cannot persist %s right now: %s", workspaceID, text)
		}
	}
	glog.Infof("Replica %s opened at %s", workspaceID, doc.StateVector())
	return r, nil
}

func (r *Replica) Text() string {
	return r.doc.Text(textContainer)
}

func (r *Replica) View() View {
	r.connMu.Lock()
	online := r.conn != nil
	r.connMu.Unlock()
	return View{
		Workspace: r.workspaceID,
		Text:      r.Text(),
		Online:    online,
		Blocks:    workspace.Blocks(r.doc),
	}
}

func (r *Replica) notify() {
	if r.onChange != nil {
		r.onChange(r.View())
	}
}

// persist appends an update to the local store and compacts it when the
// policy asks for it. Failures are logged; the update is still in the
// document and reaches the store with the next snapshot. mu must be held.
func (r *Replica) persist(origin string, update []byte) {
	delta, err := crdt.NewDelta(origin, update)
	if err != nil {
		glog.Errorf("Not persisting bad update: %v", err)
		return
	}
	ctx := context.Background()
	if err := r.store.Append(ctx, r.workspaceID, delta); err != nil {
		glog.Warningf("Local append failed: %v", err)
		return
	}
	r.records += 1
	r.bytes += delta.Size()
	if r.policy.Due(r.records, r.bytes) {
		r.compact(ctx)
	}
}

func (r *Replica) compact(ctx context.Context) {
	data, covered := r.doc.Checkpoint()
	if err := r.store.Compact(ctx, r.workspaceID, data, covered); err != nil {
		glog.Warningf("Local compaction failed: %v", err)
		return
	}
	r.records = 0
	r.bytes = 0
}

// Close writes a final snapshot.
func (r *Replica) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compact(ctx)
}

// Edit applies a local op, persists it and sends it upstream when
// connected. Offline edits reach the server with the next handshake.
func (r *Replica) Edit(op Op) error {
	if err := op.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	current := r.Text()
	var err error
	m := r.peer.Local(func(tx *crdt.Txn) { err = op.apply(tx, current, time.Now()) })
	if m == nil {
		r.mu.Unlock()
		return err
	}
	r.persist("local", m.Update)
	// written under mu so upstream sees local edits in order
	r.write(m)
	r.mu.Unlock()

	r.notify()
	return err
}

func (r *Replica) write(m *protocol.Message) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn == nil {
		return
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, m.Encode()); err != nil {
		glog.Infof("Upstream write failed: %v", err)
	}
}

func (r *Replica) setConn(conn *websocket.Conn) {
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	r.notify()
}

// Sync keeps the replica connected to the server at url, reconnecting
// with exponential backoff, until ctx is done.
func (r *Replica) Sync(ctx context.Context, url string) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	backoff.RetryNotify(func() error {
		err := r.syncOnce(ctx, url, b.Reset)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		glog.Infof("Upstream %s lost, reconnecting in %s: %v", url, next, err)
	})
}

func (r *Replica) syncOnce(ctx context.Context, url string, connected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		r.setConn(nil)
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// the state vector goes out before any edit can use the connection
	r.mu.Lock()
	for _, m := range r.peer.Start() {
		if err := conn.WriteMessage(websocket.BinaryMessage, m.Encode()); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	r.mu.Unlock()
	glog.Infof("Connected to %s", url)
	connected()
	r.notify()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		r.mu.Lock()
		out, err := r.peer.OnReceive(frame)
		if err == nil {
			for _, m := range out {
				r.write(m)
			}
		}
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
}
