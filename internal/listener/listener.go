// Package listener owns the long-lived broker connection. It subscribes to the telemetry
// topic filter on every (re)connect and hands each received message to a Sink without
// ever waiting on processing.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"aquasensor/go-ingest-server/internal/ingest"
	"aquasensor/go-ingest-server/internal/worker"
)

// State is the connection state of a Listener.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Sink accepts received messages. Submit must not block.
type Sink interface {
	Submit(msg ingest.Message) error
}

// Observer is notified of receipt and connection events.
type Observer interface {
	MessageReceived()
	QueueOverflow()
	SetConnected(up bool)
	Reconnected()
}

// Config describes the broker connection.
type Config struct {
	BrokerURL            string
	ClientID             string
	Topic                string
	QoS                  byte
	KeepAlive            time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectInterval time.Duration
	Username             string
	Password             string
}

const (
	defaultConnectTimeout       = 5 * time.Second
	defaultMaxReconnectInterval = 10 * time.Second
	subscribeTimeout            = 10 * time.Second
)

// Listener is the subscription side of the ingestion daemon.
type Listener struct {
	cfg      Config
	sink     Sink
	observer Observer
	logger   *slog.Logger
	client   mqtt.Client

	state    atomic.Int32
	received atomic.Int64
	connects atomic.Int64
	now      func() time.Time
}

// New builds a listener. observer may be nil.
func New(cfg Config, sink Sink, observer Observer, logger *slog.Logger) *Listener {
	if observer == nil {
		observer = noopObserver{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}

	l := &Listener{
		cfg:      cfg,
		sink:     sink,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}

	clientID := cfg.ClientID + "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Second).
		SetMaxReconnectInterval(cfg.MaxReconnectInterval).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOrderMatters(false).
		SetOnConnectHandler(l.onConnect).
		SetConnectionLostHandler(l.onConnectionLost).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			l.setState(StateConnecting)
			l.logger.Info("reconnecting to mqtt broker", "broker", cfg.BrokerURL)
		})
	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	l.client = mqtt.NewClient(opts)
	return l
}

// Start connects to the broker and blocks until the first connection is established or
// ctx is done. Later connection losses are recovered by the client automatically.
func (l *Listener) Start(ctx context.Context) error {
	l.setState(StateConnecting)
	l.logger.Info("connecting to mqtt broker", "broker", l.cfg.BrokerURL, "topic", l.cfg.Topic)

	token := l.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			l.setState(StateDisconnected)
			return fmt.Errorf("mqtt connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		l.client.Disconnect(0)
		l.setState(StateDisconnected)
		return ctx.Err()
	}
}

// Stop disconnects, waiting up to quiesce for in-flight protocol work. No messages are
// delivered to the sink after Stop returns.
func (l *Listener) Stop(quiesce time.Duration) {
	l.client.Disconnect(uint(quiesce.Milliseconds()))
	l.setState(StateDisconnected)
	l.observer.SetConnected(false)
	l.logger.Info("mqtt listener stopped", "received", l.received.Load())
}

// State returns the current connection state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Received returns the number of messages received since construction.
func (l *Listener) Received() int64 {
	return l.received.Load()
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Listener) onConnect(client mqtt.Client) {
	l.setState(StateConnected)
	if l.connects.Add(1) > 1 {
		l.observer.Reconnected()
		l.logger.Info("reconnected to mqtt broker", "broker", l.cfg.BrokerURL)
	} else {
		l.logger.Info("connected to mqtt broker", "broker", l.cfg.BrokerURL)
	}

	token := client.Subscribe(l.cfg.Topic, l.cfg.QoS, l.handleMessage)
	if !token.WaitTimeout(subscribeTimeout) {
		l.logger.Error("subscribe timed out", "topic", l.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		l.logger.Error("subscribe failed", "topic", l.cfg.Topic, "error", err)
		return
	}

	l.setState(StateSubscribed)
	l.observer.SetConnected(true)
	l.logger.Info("subscribed", "topic", l.cfg.Topic)
}

func (l *Listener) onConnectionLost(_ mqtt.Client, err error) {
	l.setState(StateDisconnected)
	l.observer.SetConnected(false)
	l.logger.Warn("mqtt connection lost", "broker", l.cfg.BrokerURL, "error", err)
}

func (l *Listener) handleMessage(_ mqtt.Client, m mqtt.Message) {
	payload := make([]byte, len(m.Payload()))
	copy(payload, m.Payload())

	l.received.Add(1)
	l.observer.MessageReceived()

	err := l.sink.Submit(ingest.Message{Topic: m.Topic(), Payload: payload, ReceivedAt: l.now()})
	switch {
	case err == nil:
	case errors.Is(err, worker.ErrQueueFull):
		l.observer.QueueOverflow()
		l.logger.Warn("dispatch queue full, message dropped", "topic", m.Topic())
	default:
		l.logger.Warn("message not dispatched", "topic", m.Topic(), "error", err)
	}
}

type noopObserver struct{}

func (noopObserver) MessageReceived()  {}
func (noopObserver) QueueOverflow()    {}
func (noopObserver) SetConnected(bool) {}
func (noopObserver) Reconnected()      {}
