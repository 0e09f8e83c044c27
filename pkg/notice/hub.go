package notice

import (
	"sync"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 32

type subscriber struct {
	ch chan Notice
}

// Hub fans notices out to the subscribers of a session.
// Nothing is retained: a notice published while nobody listens is gone,
// and a subscriber whose buffer is full misses it.
type Hub struct {
	mux    sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *logrus.Logger
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Notify delivers n to every current subscriber of n.SessionID without blocking.
func (h *Hub) Notify(n Notice) {
	h.mux.RLock()
	defer h.mux.RUnlock()

	for s := range h.subs[n.SessionID] {
		select {
		case s.ch <- n:
		default:
			h.logger.WithFields(logrus.Fields{
				"session": n.SessionID,
				"kind":    n.Kind,
			}).Debug("dropping notice for slow subscriber")
		}
	}
}

// Subscribe registers a listener for a session. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(sessionID string) (<-chan Notice, func()) {
	s := &subscriber{ch: make(chan Notice, subscriberBuffer)}

	h.mux.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][s] = struct{}{}
	h.mux.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mux.Lock()
			defer h.mux.Unlock()

			delete(h.subs[sessionID], s)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(s.ch)
		})
	}
}

// Subscribers returns the number of listeners of a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return len(h.subs[sessionID])
}
