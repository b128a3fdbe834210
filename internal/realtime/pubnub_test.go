package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pubnub "github.com/pubnub/go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-ticket/models"
)

type publishCall struct {
	channel string
	message interface{}
}

type fakeMessenger struct {
	mu         sync.Mutex
	published  []publishCall
	subscribed []string
	failWith   error
}

func (m *fakeMessenger) Publish(channel string, message interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, publishCall{channel: channel, message: message})
	return m.failWith
}

func (m *fakeMessenger) Subscribe(channels []string, _ *pubnub.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = channels
}

func (m *fakeMessenger) Unsubscribe([]string) {}

func (m *fakeMessenger) calls() []publishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]publishCall(nil), m.published...)
}

func startTransport(t *testing.T, msg Messenger) (*PubNubTransport, *Hub, func()) {
	t.Helper()
	hub := NewHub(16, nil)
	tr := NewPubNubTransport(msg, hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	return tr, hub, func() {
		cancel()
		<-done
	}
}

func TestPubNubTransport_PublishesLocallyAndRemotely(t *testing.T) {
	msg := &fakeMessenger{}
	tr, hub, stop := startTransport(t, msg)
	defer stop()

	ch, cancel, err := hub.Subscribe(context.Background(), "500")
	require.NoError(t, err)
	defer cancel()

	tr.Publish(context.Background(), seatEvent("500", "12", models.SeatHeld, 1))

	assert.Equal(t, int64(1), receive(t, ch).Version)
	require.Eventually(t, func() bool { return len(msg.calls()) == 1 }, time.Second, 5*time.Millisecond)
	call := msg.calls()[0]
	assert.Equal(t, "seats.500", call.channel)
	env, ok := call.message.(envelope)
	require.True(t, ok)
	assert.Equal(t, tr.origin, env.Origin)
}

func TestPubNubTransport_PublishFailureIsLogged(t *testing.T) {
	msg := &fakeMessenger{failWith: errors.New("403 forbidden")}
	tr, _, stop := startTransport(t, msg)
	defer stop()

	tr.Publish(context.Background(), seatEvent("500", "12", models.SeatHeld, 1))

	assert.Eventually(t, func() bool { return len(msg.calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPubNubTransport_DeliversRemoteEvents(t *testing.T) {
	msg := &fakeMessenger{}
	tr, hub, stop := startTransport(t, msg)
	defer stop()

	ch, cancel, err := hub.Subscribe(context.Background(), "500")
	require.NoError(t, err)
	defer cancel()

	// Own echo is ignored.
	tr.listener.Message <- &pubnub.PNMessage{
		Channel: "seats.500",
		Message: map[string]interface{}{
			"origin": tr.origin,
			"event":  map[string]interface{}{"trip_id": "500", "seat_id": "12", "state": "held", "version": 1},
		},
	}
	tr.listener.Message <- &pubnub.PNMessage{
		Channel: "seats.500",
		Message: map[string]interface{}{
			"origin": "node-b",
			"event":  map[string]interface{}{"trip_id": "500", "seat_id": "12", "state": "sold", "version": 2},
		},
	}

	ev := receive(t, ch)
	assert.Equal(t, models.SeatSold, ev.State)
	assert.Equal(t, int64(2), ev.Version)
	assert.Len(t, ch, 0)
}

func TestPubNubTransport_ReconnectTriggersResync(t *testing.T) {
	msg := &fakeMessenger{}
	tr, hub, stop := startTransport(t, msg)
	defer stop()

	ch, cancel, err := hub.Subscribe(context.Background(), "500")
	require.NoError(t, err)
	defer cancel()

	tr.listener.Status <- &pubnub.PNStatus{Category: pubnub.PNReconnectedCategory}

	assert.True(t, receive(t, ch).Resync)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := decodeEnvelope(`{"origin":"a","event":{"trip_id":"500","seat_id":"1","state":"held","version":3}}`)
	require.NoError(t, err)
	assert.Equal(t, "a", env.Origin)
	assert.Equal(t, int64(3), env.Event.Version)

	_, err = decodeEnvelope(map[string]interface{}{"origin": "a"})
	assert.Error(t, err)
}
