package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

const DefaultBuffer = 32

// Subscription receives the events of one board for one session.
type Subscription struct {
	BoardID   string
	SessionID string

	events  chan Event
	hub     *Hub
	once    sync.Once
	dropped atomic.Int64
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the events channel. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans events out to the sessions subscribed to each board in this
// process. Sends never block: a subscriber that falls behind loses events.
type Hub struct {
	mu     sync.RWMutex
	boards map[string]map[*Subscription]struct{}
	buffer int
	logger *log.Logger
}

func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		boards: map[string]map[*Subscription]struct{}{},
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) Subscribe(boardID, sessionID string) *Subscription {
	sub := &Subscription{
		BoardID:   boardID,
		SessionID: sessionID,
		events:    make(chan Event, h.buffer),
		hub:       h,
	}
	h.mu.Lock()
	if h.boards[boardID] == nil {
		h.boards[boardID] = map[*Subscription]struct{}{}
	}
	h.boards[boardID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.boards[sub.BoardID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.boards, sub.BoardID)
		}
	}
	close(sub.events)
}

// Publish delivers locally. It lets a single-node deployment use the hub
// directly as its Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.Deliver(ev)
	return nil
}

// Deliver sends ev to every subscriber of its board except the session that
// caused it, and returns how many received it.
func (h *Hub) Deliver(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.boards[ev.BoardID] {
		if ev.Origin != "" && sub.SessionID == ev.Origin {
			continue
		}
		select {
		case sub.events <- ev:
			delivered++
		default:
			sub.dropped.Add(1)
			h.logger.WithFields(log.Fields{
				"board_id":   ev.BoardID,
				"session_id": sub.SessionID,
				"event":      ev.Type,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
	return delivered
}

func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}

// Close ends every subscription, which lets open event streams return during
// shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := []*Subscription{}
	for _, board := range h.boards {
		for sub := range board {
			subs = append(subs, sub)
		}
	}
	h.mu.RUnlock()
	for _, sub := range subs {
		sub.Close()
	}
}
