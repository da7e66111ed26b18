package push

import (
	"sync"

	"manimate/types"
)

// StreamChannel buffers events for a goroutine that writes them to a
// long-lived connection.
type StreamChannel struct {
	mu     sync.Mutex
	events chan types.Event
	closed bool
}

// NewStreamChannel creates a channel holding up to size undelivered events
func NewStreamChannel(size int) *StreamChannel {
	if size <= 0 {
		size = 1
	}
	return &StreamChannel{events: make(chan types.Event, size)}
}

func (c *StreamChannel) Send(ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.events <- ev:
		return nil
	default:
		return ErrChannelFull
	}
}

// Events is drained by the connection writer
func (c *StreamChannel) Events() <-chan types.Event {
	return c.events
}

// Close stops further sends and closes Events
func (c *StreamChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
