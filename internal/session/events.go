package session

import (
	"sync"

	"github.com/promontage/montage-agent/internal/composition"
	"github.com/promontage/montage-agent/internal/processing"
)

const (
	EventRun      = "run"
	EventSettings = "settings"
	EventClosed   = "closed"

	subscriberBuffer = 32
)

// Event is pushed to the webview over the event stream.
type Event struct {
	Type     string                `json:"type"`
	Run      *processing.Event     `json:"run,omitempty"`
	Settings *composition.Snapshot `json:"settings,omitempty"`
}

// hub fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the run.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close sends a final closed event and ends every subscription.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		select {
		case ch <- Event{Type: EventClosed}:
		default:
		}
		close(ch)
		delete(h.subs, id)
	}
}
