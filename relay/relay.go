// Package relay shares sync frames between server processes through Redis
// pub/sub, one channel per workspace.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/encoding/protowire"
)

const channelPrefix = "collabtext:ws:"

// Handler receives frames published by other processes.
type Handler func(workspaceID string, frame []byte)

type Relay struct {
	rdb      *redis.Client
	instance string
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// Connect dials Redis at addr and checks that it answers.
func Connect(ctx context.Context, addr string, handler Handler) (*Relay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("relay: could not connect to redis at %s: %w", addr, err)
	}
	glog.Infof("[relay]connected to redis at %s", addr)
	return New(rdb, handler), nil
}

func New(rdb *redis.Client, handler Handler) *Relay {
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		rdb:      rdb,
		instance: uuid.NewString(),
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		subs:     map[string]*redis.PubSub{},
	}
}

func channel(workspaceID string) string {
	return channelPrefix + workspaceID
}

// Publish sends frame to the other processes watching the workspace.
func (r *Relay) Publish(ctx context.Context, workspaceID string, frame []byte) error {
	return r.rdb.Publish(ctx, channel(workspaceID), encodeEnvelope(r.instance, frame)).Err()
}

// Watch subscribes to the workspace channel. Watching an already watched
// workspace is a no-op.
func (r *Relay) Watch(ctx context.Context, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[workspaceID]; ok {
		return nil
	}
	pubsub := r.rdb.Subscribe(r.ctx, channel(workspaceID))
	// wait for the subscription so frames published right after are seen
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	r.subs[workspaceID] = pubsub
	go r.forward(workspaceID, pubsub.Channel())
	glog.V(1).Infof("[relay]%s watching", workspaceID)
	return nil
}

func (r *Relay) forward(workspaceID string, messages <-chan *redis.Message) {
	for msg := range messages {
		origin, frame, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			glog.Warningf("[relay]%s bad envelope: %v", workspaceID, err)
			continue
		}
		if origin == r.instance {
			continue
		}
		glog.V(2).Infof("[relay]%s frame from %s", workspaceID, origin)
		r.handler(workspaceID, frame)
	}
}

// Unwatch stops receiving frames for the workspace.
func (r *Relay) Unwatch(workspaceID string) {
	r.mu.Lock()
	pubsub, ok := r.subs[workspaceID]
	delete(r.subs, workspaceID)
	r.mu.Unlock()
	if ok {
		pubsub.Close()
		glog.V(1).Infof("[relay]%s unwatched", workspaceID)
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = map[string]*redis.PubSub{}
	r.mu.Unlock()
	for _, pubsub := range subs {
		pubsub.Close()
	}
	r.cancel()
	return r.rdb.Close()
}

var errEnvelope = errors.New("relay: malformed envelope")

// envelope: 1: instance id, 2: frame
func encodeEnvelope(instance string, frame []byte) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, instance)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, frame)
}

func decodeEnvelope(b []byte) (instance string, frame []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", nil, errEnvelope
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, errEnvelope
		}
		b = b[n:]
		switch num {
		case 1:
			instance = string(v)
		case 2:
			frame = v
		}
	}
	if instance == "" || frame == nil {
		return "", nil, errEnvelope
	}
	return instance, frame, nil
}
