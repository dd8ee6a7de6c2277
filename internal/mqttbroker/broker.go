// Package mqttbroker is a small embedded MQTT 3.1.1 broker for local runs and tests.
// It supports QoS 0 delivery (QoS 1 publishes are acknowledged and forwarded at QoS 0),
// '+' and '#' topic filters and clean sessions only.
package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) matches(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if MatchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) subscribe(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker accepts MQTT clients and routes publishes to matching subscribers.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, clients: make(map[*clientSession]struct{})}
}

// Start begins listening on bind. The returned channel is closed once the accept loop
// terminates; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("embedded mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for handlers to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.DisconnectAll()
	b.wg.Wait()
	return nil
}

// DisconnectAll drops every connected client without stopping the broker. Clients are
// expected to reconnect and resubscribe.
func (b *Broker) DisconnectAll() {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
}

// Publish sends a QoS 0 message to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return err
	}
	b.forward(topic, packet)
	return nil
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) forward(topic string, packet []byte) {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if !session.matches(topic) {
			continue
		}
		if err := session.writePacket(packet); err != nil {
			b.logger.Debug("forward publish failed", "client", session.clientID, "error", err)
		}
	}
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
	}()

	connected := false
	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header error", "client", session.clientID, "error", err)
			}
			return
		}

		remaining, err := readRemainingLength(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, body); err != nil {
			b.logger.Debug("read packet body error", "error", err)
			return
		}

		packetType := header >> 4
		if !connected && packetType != packetConnect {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		if err := b.dispatch(session, header, body, &connected); err != nil {
			if !errors.Is(err, errDisconnect) {
				b.logger.Debug("mqtt session closed", "client", session.clientID, "error", err)
			}
			return
		}
	}
}

var errDisconnect = errors.New("client disconnect")

func (b *Broker) dispatch(session *clientSession, header byte, body []byte, connected *bool) error {
	switch header >> 4 {
	case packetConnect:
		if *connected {
			return fmt.Errorf("duplicate connect")
		}
		pkt, err := parseConnect(body)
		if err != nil {
			return err
		}
		session.clientID = pkt.clientID
		if session.clientID == "" {
			session.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
		}
		*connected = true
		b.logger.Debug("mqtt client connected", "client", session.clientID)
		return session.writePacket([]byte{0x20, 0x02, 0x00, 0x00})

	case packetPublish:
		pkt, err := parsePublish(header, body)
		if err != nil {
			return err
		}
		if pkt.qos == 1 {
			if err := session.writePacket(buildAck(packetPuback<<4, pkt.packetID)); err != nil {
				return err
			}
		}
		return b.Publish(pkt.topic, pkt.payload)

	case packetSubscribe:
		packetID, filters, err := parseTopicList(body, true)
		if err != nil {
			return err
		}
		codes := make([]byte, len(filters))
		for i, filter := range filters {
			if !ValidFilter(filter) {
				codes[i] = subackFailure
				continue
			}
			session.subscribe(filter)
		}
		return session.writePacket(buildSubAck(packetID, codes))

	case packetUnsubscribe:
		packetID, filters, err := parseTopicList(body, false)
		if err != nil {
			return err
		}
		for _, filter := range filters {
			session.unsubscribe(filter)
		}
		return session.writePacket(buildAck(0xB0, packetID))

	case packetPingreq:
		return session.writePacket([]byte{0xD0, 0x00})

	case packetDisconnect:
		return errDisconnect

	default:
		return fmt.Errorf("unsupported packet type %d", header>>4)
	}
}
