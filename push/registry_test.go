package push

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manimate/types"
)

type captureChannel struct {
	mu     sync.Mutex
	events []types.Event
	err    error
}

func (c *captureChannel) Send(ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func ready(i int) types.Event {
	return types.Event{Type: types.EventScriptReady, ScriptIndex: i}
}

func TestSend_DeliversToRegisteredChannel(t *testing.T) {
	r := NewRegistry(nil)
	ch := &captureChannel{}
	r.Register("s1", ch)

	assert.True(t, r.Send("s1", ready(1)))
	assert.True(t, r.Has("s1"))
	assert.Equal(t, 1, ch.count())
}

func TestSend_NoChannelIsSilentDrop(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Send("nobody", ready(1)))
}

func TestSend_AfterSubscriberLeaves(t *testing.T) {
	r := NewRegistry(nil)
	ch := &captureChannel{}
	sub := r.Register("s1", ch)
	require.True(t, r.Send("s1", ready(1)))

	sub.Release()

	assert.NotPanics(t, func() {
		assert.False(t, r.Send("s1", ready(2)))
		assert.False(t, r.Send("s1", types.Event{Type: types.EventAllScriptsComplete}))
	})
	assert.Equal(t, 1, ch.count())
	assert.False(t, r.Has("s1"))
	assert.Zero(t, r.Len())
}

func TestRegister_ReplacesWithoutClosing(t *testing.T) {
	r := NewRegistry(nil)
	first := NewStreamChannel(4)
	second := &captureChannel{}

	r.Register("s1", first)
	r.Register("s1", second)
	r.Send("s1", ready(1))

	assert.Equal(t, 1, second.count())
	assert.Len(t, first.Events(), 0)
	assert.NoError(t, first.Send(ready(9)), "replaced channel stays open")
	assert.Equal(t, 1, r.Len())
}

func TestRelease_DoesNotEvictSuccessor(t *testing.T) {
	r := NewRegistry(nil)
	old := r.Register("s1", &captureChannel{})
	next := &captureChannel{}
	r.Register("s1", next)

	old.Release()

	assert.True(t, r.Send("s1", ready(1)))
	assert.Equal(t, 1, next.count())
}

func TestUnregister_Idempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("s1", &captureChannel{})

	r.Unregister("s1")
	r.Unregister("s1")
	r.Unregister("never")

	assert.False(t, r.Has("s1"))
}

func TestSend_WriteErrorRemovesChannel(t *testing.T) {
	r := NewRegistry(nil)
	ch := &captureChannel{err: errors.New("broken pipe")}
	r.Register("s1", ch)

	assert.False(t, r.Send("s1", ready(1)))
	assert.False(t, r.Has("s1"))

	fresh := &captureChannel{}
	r.Register("s1", fresh)
	assert.True(t, r.Send("s1", ready(2)))
}

func TestStreamChannel(t *testing.T) {
	c := NewStreamChannel(1)
	require.NoError(t, c.Send(ready(1)))
	assert.ErrorIs(t, c.Send(ready(2)), ErrChannelFull)

	ev := <-c.Events()
	assert.Equal(t, 1, ev.ScriptIndex)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Send(ready(3)), ErrClosed)
	_, open := <-c.Events()
	assert.False(t, open)
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	channels := make([]*captureChannel, 20)

	for i := range channels {
		channels[i] = &captureChannel{}
		id := fmt.Sprintf("s%d", i)
		sub := r.Register(id, channels[i])
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Send(id, ready(j))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				r.Register(id, channels[i])
			}
			sub.Release()
		}()
	}
	wg.Wait()

	for _, ch := range channels {
		assert.LessOrEqual(t, ch.count(), 50)
	}
}

func TestSubscription_Active(t *testing.T) {
	r := NewRegistry(nil)
	first := r.Register("s1", &captureChannel{})
	assert.True(t, first.Active())

	second := r.Register("s1", &captureChannel{})
	assert.False(t, first.Active())
	assert.True(t, second.Active())

	second.Release()
	assert.False(t, second.Active())

	var none *Subscription
	assert.False(t, none.Active())
}
