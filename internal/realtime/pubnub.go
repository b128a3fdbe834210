package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	pubnub "github.com/pubnub/go/v7"

	"bus-ticket/models"
)

const (
	channelPrefix  = "seats."
	channelPattern = channelPrefix + "*"
	outboxSize     = 1024
)

func TripChannel(tripID string) string { return channelPrefix + tripID }

// Messenger is the part of the PubNub client the transport needs.
type Messenger interface {
	Publish(channel string, message interface{}) error
	Subscribe(channels []string, listener *pubnub.Listener)
	Unsubscribe(channels []string)
}

type pubnubMessenger struct {
	pn *pubnub.PubNub
}

func NewPubNubMessenger(publishKey, subscribeKey, secretKey, userID string) Messenger {
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	cfg.SecretKey = secretKey
	return &pubnubMessenger{pn: pubnub.NewPubNub(cfg)}
}

func (m *pubnubMessenger) Publish(channel string, message interface{}) error {
	_, _, err := m.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()
	return err
}

func (m *pubnubMessenger) Subscribe(channels []string, listener *pubnub.Listener) {
	m.pn.AddListener(listener)
	m.pn.Subscribe().
		Channels(channels).
		Execute()
}

func (m *pubnubMessenger) Unsubscribe(channels []string) {
	m.pn.Unsubscribe().
		Channels(channels).
		Execute()
}

type envelope struct {
	Origin string           `json:"origin"`
	Event  models.SeatEvent `json:"event"`
}

// PubNubTransport spreads seat events between nodes. Local events reach
// the local hub immediately and are queued for PubNub; events from other
// nodes arrive through the listener and are handed to the hub.
type PubNubTransport struct {
	msg      Messenger
	hub      *Hub
	origin   string
	listener *pubnub.Listener
	outbox   chan models.SeatEvent
	log      *slog.Logger
}

func NewPubNubTransport(msg Messenger, hub *Hub, logger *slog.Logger) *PubNubTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &PubNubTransport{
		msg:      msg,
		hub:      hub,
		origin:   uuid.NewString(),
		listener: pubnub.NewListener(),
		outbox:   make(chan models.SeatEvent, outboxSize),
		log:      logger,
	}
}

// Publish implements lockstore.Publisher.
func (t *PubNubTransport) Publish(ctx context.Context, events ...models.SeatEvent) {
	t.hub.Publish(ctx, events...)
	for _, ev := range events {
		select {
		case t.outbox <- ev:
		default:
			// Remote viewers will miss this one; make them re-read.
			t.log.Warn("PubNub outbox full, dropping seat event", "trip_id", ev.TripID, "seat_id", ev.SeatID)
			t.enqueueResync(ev.TripID)
		}
	}
}

func (t *PubNubTransport) enqueueResync(tripID string) {
	go func() {
		if err := t.msg.Publish(TripChannel(tripID), envelope{Origin: t.origin, Event: models.SeatEvent{TripID: tripID, Resync: true}}); err != nil {
			t.log.Error("Failed to publish resync marker", "trip_id", tripID, "error", err)
		}
	}()
}

// Run subscribes to every trip channel and pumps both directions until
// ctx is done.
func (t *PubNubTransport) Run(ctx context.Context) {
	t.msg.Subscribe([]string{channelPattern}, t.listener)
	defer t.msg.Unsubscribe([]string{channelPattern})

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.outbox:
			if err := t.msg.Publish(TripChannel(ev.TripID), envelope{Origin: t.origin, Event: ev}); err != nil {
				t.log.Error("Failed to publish seat event", "trip_id", ev.TripID, "seat_id", ev.SeatID, "error", err)
			}
		case st := <-t.listener.Status:
			t.handleStatus(st)
		case message := <-t.listener.Message:
			t.handleMessage(ctx, message)
		}
	}
}

func (t *PubNubTransport) handleStatus(st *pubnub.PNStatus) {
	if st == nil {
		return
	}
	switch st.Category {
	case pubnub.PNConnectedCategory:
		t.log.Info("Connected to PubNub")
	case pubnub.PNReconnectedCategory:
		// Anything published while we were away is gone.
		t.log.Info("Reconnected to PubNub, asking viewers to resync")
		t.hub.Resync("")
	case pubnub.PNDisconnectedCategory, pubnub.PNTimeoutCategory:
		t.log.Warn("Lost PubNub connection", "category", st.Category.String())
	case pubnub.PNAccessDeniedCategory, pubnub.PNBadRequestCategory:
		t.log.Error("PubNub rejected subscription", "category", st.Category.String())
	}
}

func (t *PubNubTransport) handleMessage(ctx context.Context, message *pubnub.PNMessage) {
	if message == nil || !strings.HasPrefix(message.Channel, channelPrefix) {
		return
	}
	env, err := decodeEnvelope(message.Message)
	if err != nil {
		t.log.Error("Error parsing seat event", "channel", message.Channel, "error", err)
		return
	}
	if env.Origin == t.origin {
		return
	}
	if env.Event.Resync {
		t.hub.Resync(env.Event.TripID)
		return
	}
	t.hub.Publish(ctx, env.Event)
}

func decodeEnvelope(raw interface{}) (envelope, error) {
	var env envelope
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return env, err
		}
		data = b
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Event.TripID == "" {
		return env, fmt.Errorf("seat event without trip id")
	}
	return env, nil
}
