// Package hub fans out update messages to every subscribed page.
package hub

import (
	"sync"

	"github.com/tazhate/campusboard/internal/domain"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// messages to it are dropped.
const subscriberBuffer = 16

type Hub struct {
	mu   sync.Mutex
	subs map[chan domain.Message]struct{}
}

func New() *Hub {
	return &Hub{subs: make(map[chan domain.Message]struct{})}
}

// Subscribe registers a new receiver. The returned cancel func must be
// called once the receiver is gone; it closes the channel.
func (h *Hub) Subscribe() (<-chan domain.Message, func()) {
	ch := make(chan domain.Message, subscriberBuffer)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast delivers msg to every subscriber without blocking and returns
// how many received it.
func (h *Hub) Broadcast(msg domain.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
