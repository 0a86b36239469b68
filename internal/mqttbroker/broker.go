package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Message is a QoS 0 publish received from a client.
type Message struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish.
type Handler func(context.Context, Message)

const (
	// outboundQueueSize bounds the publishes buffered for one subscriber.
	// A subscriber whose queue fills up is disconnected.
	outboundQueueSize = 256
	writeTimeout      = 5 * time.Second

	// Limits on the remaining length a peer may announce.
	maxConnectSize = 64 << 10
	maxPacketSize  = 1 << 20
)

type client struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	closed  atomic.Bool

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once

	id string

	subMu   sync.RWMutex
	filters map[string]struct{}
}

func newClient(conn net.Conn) *client {
	return &client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		out:     make(chan []byte, outboundQueueSize),
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}
}

func (c *client) wants(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.filters {
		if matchTopic(filter, topic) {
			return true
		}
	}
	return false
}

func (c *client) subscribe(filter string) {
	c.subMu.Lock()
	c.filters[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *client) unsubscribe(filter string) {
	c.subMu.Lock()
	delete(c.filters, filter)
	c.subMu.Unlock()
}

// write sends a packet synchronously. It is used for protocol replies on the
// connection's own goroutine and by the outbound writer.
func (c *client) write(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(packet)
	return err
}

// enqueue hands a packet to the outbound writer without blocking. It reports
// false when the client is gone or its queue is full.
func (c *client) enqueue(packet []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- packet:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop(logger *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case packet := <-c.out:
			if err := c.write(packet); err != nil {
				logger.Debug("deliver publish", "remote", c.conn.RemoteAddr().String(), "error", err)
				c.close()
				return
			}
		}
	}
}

// Broker is a minimal MQTT v3.1.1 broker with QoS 0 publish and subscribe.
// Scanners publish into it and session viewers subscribe to realtime events.
type Broker struct {
	logger       *slog.Logger
	handler      atomic.Value // Handler
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	// protected filters name topics only the server may publish on.
	protected []string
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	b := &Broker{logger: logger, clients: make(map[*client]struct{})}
	b.handler.Store(Handler(func(context.Context, Message) {}))
	return b
}

// Start listens for MQTT clients on bind. The returned channel is closed once
// the accept loop exits; a fatal accept error is sent on it first.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

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
					b.logger.Warn("accept timeout", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			c := newClient(conn)
			b.addClient(c)

			b.wg.Add(2)
			go func() {
				defer b.wg.Done()
				c.writeLoop(b.logger)
			}()
			go func() {
				defer b.wg.Done()
				b.serve(c)
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

// Stop closes the listener and every client connection, then waits for the
// connection goroutines to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for c := range b.clients {
		c.close()
	}
	b.clients = make(map[*client]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// ProtectTopics reserves topic filters for server publishes. Client publishes
// matching any of them are dropped before they reach the handler or other
// subscribers.
func (b *Broker) ProtectTopics(filters ...string) error {
	for _, f := range filters {
		if err := validateTopicFilter(f); err != nil {
			return fmt.Errorf("protect %q: %w", f, err)
		}
	}
	b.mu.Lock()
	b.protected = append(b.protected, filters...)
	b.mu.Unlock()
	return nil
}

func (b *Broker) isProtected(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.protected {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

// Publish delivers a QoS 0 message to every client whose filters match topic.
func (b *Broker) Publish(topic string, payload []byte) error {
	if err := validateTopicName(topic); err != nil {
		return err
	}
	packet, err := buildPublish(topic, payload)
	if err != nil {
		return err
	}
	b.fanOut(topic, packet, nil)
	return nil
}

// ClientCount reports the number of connected clients.
func (b *Broker) ClientCount() int {
	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	return len(b.clients)
}

func (b *Broker) addClient(c *client) {
	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(c *client) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

func (b *Broker) serve(c *client) {
	defer func() {
		c.close()
		b.removeClient(c)
	}()

	ctx := context.Background()
	connected := false

	for {
		header, err := c.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read header", "client", c.id, "error", err)
			}
			return
		}

		remaining, err := readVarInt(c.reader)
		if err != nil {
			b.logger.Debug("read remaining length", "client", c.id, "error", err)
			return
		}

		kind := header >> 4
		if !connected && kind != packetConnect {
			b.logger.Debug("packet before connect", "type", kind)
			return
		}

		limit := maxPacketSize
		if !connected {
			limit = maxConnectSize
		}
		if remaining > limit {
			b.logger.Debug("packet too large", "client", c.id, "type", kind, "length", remaining)
			return
		}

		body := make([]byte, remaining)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			b.logger.Debug("read packet body", "client", c.id, "error", err)
			return
		}

		switch kind {
		case packetConnect:
			if connected {
				b.logger.Debug("duplicate connect", "client", c.id)
				return
			}
			if err := b.handleConnect(c, body); err != nil {
				b.logger.Debug("connect rejected", "error", err)
				return
			}
			connected = true
		case packetPublish:
			msg, err := parsePublish(header, body)
			if err != nil {
				b.logger.Debug("parse publish", "client", c.id, "error", err)
				return
			}
			msg.ClientID = c.id
			if b.isProtected(msg.Topic) {
				b.logger.Debug("dropped publish on protected topic", "client", c.id, "topic", msg.Topic)
				continue
			}
			if h, ok := b.handler.Load().(Handler); ok {
				safeInvoke(ctx, h, msg, b.logger)
			}
			if packet, err := buildPublish(msg.Topic, msg.Payload); err == nil {
				b.fanOut(msg.Topic, packet, c)
			}
		case packetSubscribe:
			if err := b.handleSubscribe(c, body); err != nil {
				b.logger.Debug("subscribe rejected", "client", c.id, "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(c, body); err != nil {
				b.logger.Debug("unsubscribe rejected", "client", c.id, "error", err)
				return
			}
		case packetPingReq:
			if err := c.write([]byte{packetPingResp << 4, 0x00}); err != nil {
				b.logger.Debug("write pingresp", "client", c.id, "error", err)
				return
			}
		case packetDisconnect:
			return
		default:
			b.logger.Debug("unsupported packet", "client", c.id, "type", kind)
			return
		}
	}
}

func (b *Broker) handleConnect(c *client, body []byte) error {
	rd := packetReader(body)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 {
		_ = c.write([]byte{packetConnAck << 4, 0x02, 0x00, 0x01})
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	// Only the clean-session bit is accepted: no will, no credentials.
	if flags&^0x02 != 0 {
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil {
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	c.id = clientID

	if err := c.write([]byte{packetConnAck << 4, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}
	b.logger.Debug("mqtt client connected", "client", clientID)
	return nil
}

func (b *Broker) handleSubscribe(c *client, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var codes []byte
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos > 2 || validateTopicFilter(filter) != nil {
			codes = append(codes, subAckFailure)
			continue
		}
		// Every subscription is downgraded to QoS 0.
		c.subscribe(filter)
		codes = append(codes, 0x00)
	}
	if len(codes) == 0 {
		return fmt.Errorf("subscribe without topic filters")
	}

	return c.write(buildSubAck(packetID, codes))
}

func (b *Broker) handleUnsubscribe(c *client, body []byte) error {
	rd := packetReader(body)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		c.unsubscribe(filter)
	}

	return c.write([]byte{packetUnsubAck << 4, 0x02, byte(packetID >> 8), byte(packetID)})
}

func (b *Broker) fanOut(topic string, packet []byte, exclude *client) {
	b.clientsMu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		if c != exclude && c.wants(topic) {
			targets = append(targets, c)
		}
	}
	b.clientsMu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(packet) && !c.closed.Load() {
			b.logger.Warn("dropping slow mqtt client", "client", c.id, "topic", topic)
			c.close()
		}
	}
}

func safeInvoke(ctx context.Context, h Handler, msg Message, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}
