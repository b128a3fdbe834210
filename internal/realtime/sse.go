package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"bus-ticket/models"
)

const keepAliveInterval = 15 * time.Second

// Stream writes the trip's seat map to w as server-sent events: the
// current snapshot first, then every change. A resync marker ends the
// stream; the browser's EventSource reconnects and gets a fresh snapshot.
func (s *Server) Stream(ctx context.Context, w http.ResponseWriter, tripID string) error {
	rc := http.NewResponseController(w)

	events, cancel, err := s.hub.Subscribe(ctx, tripID)
	if err != nil {
		return err
	}
	defer cancel()

	snapshot, err := s.store.Inspect(ctx, tripID, nil)
	if err != nil {
		return err
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	now := s.clock.Now()
	for _, l := range snapshot {
		if err := writeEvent(w, models.EventFromLock(l, now)); err != nil {
			return err
		}
	}
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("realtime: response writer does not support streaming: %w", err)
	}

	keepAlive := s.clock.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.Chan():
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
			if ev.Resync {
				return nil
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev models.SeatEvent) error {
	name := "seat"
	if ev.Resync {
		name = "resync"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Resync {
		_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	} else {
		_, err = fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n", ev.SeatID, ev.Version, name, data)
	}
	return err
}
