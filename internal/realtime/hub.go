// Package realtime fans seat availability changes out to everyone looking
// at a trip's seat map and carries lock commands back to the lock store.
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"bus-ticket/models"
)

const defaultBuffer = 64

// Hub is the in-process broker. Events for one trip are delivered to each
// subscriber in publish order. A subscriber that falls a full buffer
// behind gets a resync marker and is dropped; the publisher never waits.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	log    *slog.Logger
}

type subscriber struct {
	tripID string
	ch     chan models.SeatEvent
	once   sync.Once
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 1 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
		log:    logger,
	}
}

// Subscribe registers for tripID events until ctx is done or the returned
// cancel func is called. The channel is closed on either.
func (h *Hub) Subscribe(ctx context.Context, tripID string) (<-chan models.SeatEvent, func(), error) {
	s := &subscriber{tripID: tripID, ch: make(chan models.SeatEvent, h.buffer)}

	h.mu.Lock()
	if h.subs[tripID] == nil {
		h.subs[tripID] = make(map[*subscriber]struct{})
	}
	h.subs[tripID][s] = struct{}{}
	h.mu.Unlock()

	stop := make(chan struct{})
	var stopOnce sync.Once
	cancel := func() {
		stopOnce.Do(func() {
			close(stop)
			h.mu.Lock()
			h.remove(s)
			h.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()

	return s.ch, cancel, nil
}

// Publish implements lockstore.Publisher.
func (h *Hub) Publish(_ context.Context, events ...models.SeatEvent) {
	if len(events) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ev := range events {
		for s := range h.subs[ev.TripID] {
			h.deliver(s, ev)
		}
	}
}

// Resync tells every subscriber of tripID, or of every trip when tripID
// is empty, that it may have missed events.
func (h *Hub) Resync(tripID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for trip, subs := range h.subs {
		if tripID != "" && trip != tripID {
			continue
		}
		for s := range subs {
			h.deliver(s, models.SeatEvent{TripID: trip, Resync: true})
		}
	}
}

func (h *Hub) Subscribers(tripID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tripID])
}

// deliver keeps the last buffer slot for a resync marker. Must hold h.mu.
func (h *Hub) deliver(s *subscriber, ev models.SeatEvent) {
	if len(s.ch) < cap(s.ch)-1 {
		s.ch <- ev
		return
	}
	h.log.Warn("Dropping slow seat map subscriber", "trip_id", s.tripID)
	s.ch <- models.SeatEvent{TripID: s.tripID, Resync: true, At: ev.At}
	h.remove(s)
}

// remove unregisters and closes s. Must hold h.mu.
func (h *Hub) remove(s *subscriber) {
	subs := h.subs[s.tripID]
	if _, ok := subs[s]; !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.subs, s.tripID)
	}
	s.once.Do(func() { close(s.ch) })
}
