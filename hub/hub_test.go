package hub

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func drain(c *Client) [][]byte {
	var frames [][]byte
	for {
		select {
		case f, ok := <-c.Send():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func closed(c *Client) bool {
	for {
		select {
		case _, ok := <-c.Send():
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

func TestPublishExcludesOrigin(t *testing.T) {
	h := New()
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Subscribe("ws", a)
	h.Subscribe("ws", b)

	assert.Equal(t, 1, h.Publish("ws", []byte("from a"), "a"))
	assert.Equal(t, 0, len(drain(a)))
	assert.Equal(t, [][]byte{[]byte("from a")}, drain(b))
}

func TestPublishIsScopedToWorkspace(t *testing.T) {
	h := New()
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Subscribe("one", a)
	h.Subscribe("two", b)

	assert.Equal(t, 1, h.Publish("one", []byte("x"), ""))
	assert.Equal(t, 0, len(drain(b)))
	assert.Equal(t, 0, h.Publish("missing", []byte("x"), ""))
}

func TestSubscribeReplacesSameID(t *testing.T) {
	h := New()
	first := NewClient("a", 4)
	second := NewClient("a", 4)
	h.Subscribe("ws", first)
	h.Subscribe("ws", first)
	assert.Equal(t, 1, h.Count("ws"))

	h.Subscribe("ws", second)
	assert.Equal(t, 1, h.Count("ws"))
	assert.Equal(t, true, closed(first))

	h.Publish("ws", []byte("x"), "")
	assert.Equal(t, 1, len(drain(second)))
}

func TestCongestedClientIsDropped(t *testing.T) {
	h := New()
	var emptied []string
	h.OnEmpty = func(workspaceID string) { emptied = append(emptied, workspaceID) }

	slow := NewClient("slow", 1)
	fast := NewClient("fast", 8)
	h.Subscribe("ws", slow)
	h.Subscribe("ws", fast)

	assert.Equal(t, 2, h.Publish("ws", []byte("1"), ""))
	assert.Equal(t, 1, h.Publish("ws", []byte("2"), ""))
	assert.Equal(t, 1, h.Count("ws"))
	assert.Equal(t, 2, len(drain(fast)))

	// the dropped client keeps what was queued, then sees its queue closed
	f, ok := <-slow.Send()
	assert.Equal(t, true, ok)
	assert.Equal(t, []byte("1"), f)
	assert.Equal(t, true, closed(slow))
	assert.Equal(t, false, slow.Offer([]byte("3")))
	assert.Equal(t, 0, len(emptied))
}

func TestUnsubscribeLastClient(t *testing.T) {
	h := New()
	var emptied []string
	h.OnEmpty = func(workspaceID string) { emptied = append(emptied, workspaceID) }

	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Subscribe("ws", a)
	h.Subscribe("ws", b)

	h.Unsubscribe("ws", a)
	assert.Equal(t, true, closed(a))
	assert.Equal(t, 0, len(emptied))

	h.Unsubscribe("ws", b)
	h.Unsubscribe("ws", b)
	assert.Equal(t, []string{"ws"}, emptied)
	assert.Equal(t, 0, h.Count("ws"))
}

func TestCloseAll(t *testing.T) {
	h := New()
	emptied := map[string]bool{}
	h.OnEmpty = func(workspaceID string) { emptied[workspaceID] = true }
	a := NewClient("a", 4)
	b := NewClient("b", 4)
	h.Subscribe("one", a)
	h.Subscribe("two", b)

	h.CloseAll()
	assert.Equal(t, true, closed(a))
	assert.Equal(t, true, closed(b))
	assert.Equal(t, map[string]bool{"one": true, "two": true}, emptied)
	assert.Equal(t, 0, h.Count("one"))
}
