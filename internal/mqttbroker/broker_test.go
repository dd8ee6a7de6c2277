package mqttbroker

import (
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := b.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connectClient(t *testing.T, b *Broker, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectTimeout(2 * time.Second)
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second), "connect timed out")
	require.NoError(t, tok.Error())
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func subscribe(t *testing.T, c mqtt.Client, filter string, out chan<- mqtt.Message) {
	t.Helper()
	tok := c.Subscribe(filter, 0, func(_ mqtt.Client, m mqtt.Message) { out <- m })
	require.True(t, tok.WaitTimeout(2*time.Second), "subscribe timed out")
	require.NoError(t, tok.Error())
}

func TestBroker_RoutesByFilter(t *testing.T) {
	b := startBroker(t)
	sub := connectClient(t, b, "sub")
	pub := connectClient(t, b, "pub")

	got := make(chan mqtt.Message, 4)
	subscribe(t, sub, "sensor/#", got)

	for _, q := range []byte{0, 1} {
		tok := pub.Publish("sensor/sensor022", q, false, "payload")
		require.True(t, tok.WaitTimeout(2*time.Second))
		require.NoError(t, tok.Error())
	}
	tok := pub.Publish("other/topic", 0, false, "ignored")
	require.True(t, tok.WaitTimeout(2*time.Second))

	for i := 0; i < 2; i++ {
		select {
		case m := <-got:
			assert.Equal(t, "sensor/sensor022", m.Topic())
			assert.Equal(t, "payload", string(m.Payload()))
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}

	select {
	case m := <-got:
		t.Fatalf("unexpected delivery on %s", m.Topic())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := startBroker(t)
	sub := connectClient(t, b, "sub")

	got := make(chan mqtt.Message, 4)
	subscribe(t, sub, "sensor/+", got)

	require.NoError(t, b.Publish("sensor/a", []byte("one")))
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered before unsubscribe")
	}

	tok := sub.Unsubscribe("sensor/+")
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())

	require.NoError(t, b.Publish("sensor/a", []byte("two")))
	select {
	case m := <-got:
		t.Fatalf("delivered after unsubscribe: %s", m.Payload())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroker_DisconnectAllAndStop(t *testing.T) {
	b := startBroker(t)
	connectClient(t, b, "a")
	connectClient(t, b, "b")

	require.Eventually(t, func() bool { return b.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	b.DisconnectAll()
	require.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Stop())
	assert.Nil(t, b.Addr())
	require.NoError(t, b.Stop())
}

func TestEncodeRemainingLength(t *testing.T) {
	assert.Equal(t, []byte{0x00}, encodeRemainingLength(0))
	assert.Equal(t, []byte{0x7F}, encodeRemainingLength(127))
	assert.Equal(t, []byte{0x80, 0x01}, encodeRemainingLength(128))
	assert.Equal(t, []byte{0xFF, 0x7F}, encodeRemainingLength(16383))
}

func TestParseTopicList_Empty(t *testing.T) {
	_, _, err := parseTopicList([]byte{0x00, 0x01}, true)
	assert.Error(t, err)
}
