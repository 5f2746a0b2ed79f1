package wsbus

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/pkg/bus"
)

// Hub accepts wsbus clients and bridges them onto a local in-process bus.
// It implements bus.Bus itself: local subscribers hear remote publishes and
// remote subscribers hear local ones.
type Hub struct {
	local *bus.Memory

	mu      sync.Mutex
	clients map[string]*hubClient
	topics  map[string]map[string]*hubClient
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub with no connected clients.
func NewHub() *Hub {
	return &Hub{
		local:   bus.NewMemory(),
		clients: make(map[string]*hubClient),
		topics:  make(map[string]map[string]*hubClient),
	}
}

// Publish delivers payload to local subscribers and to every connected
// client subscribed to topic.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return bus.ErrEmptyTopic
	}
	if err := h.local.Publish(ctx, topic, payload); err != nil {
		return err
	}
	h.fanout(topic, payload, "")
	return nil
}

// Subscribe registers a local handler for topic.
func (h *Hub) Subscribe(ctx context.Context, topic string, handler bus.Handler) (bus.Subscription, error) {
	return h.local.Subscribe(ctx, topic, handler)
}

// Close disconnects all clients and shuts the local bus down.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*hubClient)
	h.topics = make(map[string]map[string]*hubClient)
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown(websocket.StatusGoingAway, "hub shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return h.local.Close(ctx)
}

// ServeHTTP upgrades the request and serves the bus protocol until the
// client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.WithError(err).Error("Failed to accept bus client")
		return
	}

	h.serve(r.Context(), conn)
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "closing")

	client, err := h.handshake(ctx, conn)
	if err != nil {
		log.WithError(err).Debug("Bus client handshake failed")
		return
	}
	defer h.unregister(client)

	log.WithField("client", client.id).Debug("Bus client connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.WithField("client", client.id).Debug("Bus client disconnected")
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			client.send(frame{Type: frameError, Reason: "malformed frame"})
			continue
		}

		switch f.Type {
		case frameSubscribe:
			if f.Topic == "" {
				client.send(frame{Type: frameError, Reason: "subscribe without topic"})
				continue
			}
			h.subscribe(client, f.Topic)
		case frameUnsubscribe:
			if f.Topic == "" {
				client.send(frame{Type: frameError, Reason: "unsubscribe without topic"})
				continue
			}
			h.unsubscribe(client, f.Topic)
		case framePublish:
			if f.Topic == "" {
				client.send(frame{Type: frameError, Reason: "publish without topic"})
				continue
			}
			// Local subscribers first, then the other connected clients.
			if err := h.local.Publish(ctx, f.Topic, f.Payload); err != nil {
				log.WithField("topic", f.Topic).WithError(err).Warn("Local publish from bus client failed")
			}
			h.fanout(f.Topic, f.Payload, "")
		default:
			client.send(frame{Type: frameError, Reason: fmt.Sprintf("unknown frame type %q", f.Type)})
		}
	}
}

// handshake expects a hello frame, gates on protocol compatibility, and
// answers with a welcome carrying the assigned client id.
func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (*hubClient, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	f, err := decodeFrame(data)
	if err != nil || f.Type != frameHello {
		_ = conn.Write(ctx, websocket.MessageText, encodeFrame(frame{
			Type: frameError, Reason: "expected hello frame",
		}))
		return nil, fmt.Errorf("expected hello frame")
	}

	clientVersion, err := semver.NewVersion(f.Version)
	if err != nil {
		_ = conn.Write(ctx, websocket.MessageText, encodeFrame(frame{
			Type: frameError, Reason: "unparsable protocol version",
		}))
		return nil, fmt.Errorf("parse client version %q: %w", f.Version, err)
	}
	if clientVersion.Major() != semver.MustParse(ProtocolVersion).Major() {
		_ = conn.Write(ctx, websocket.MessageText, encodeFrame(frame{
			Type: frameError, Reason: "incompatible protocol version",
		}))
		return nil, fmt.Errorf("incompatible client version %s", f.Version)
	}

	client := newHubClient(uuid.NewString(), conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		client.shutdown(websocket.StatusGoingAway, "hub shutting down")
		return nil, fmt.Errorf("hub is closed")
	}
	h.clients[client.id] = client
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		client.writeLoop()
	}()

	client.send(frame{Type: frameWelcome, Version: ProtocolVersion, ID: client.id})
	return client, nil
}

func (h *Hub) subscribe(c *hubClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[string]*hubClient)
	}
	h.topics[topic][c.id] = c
}

func (h *Hub) unsubscribe(c *hubClient, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// fanout queues a message frame on every subscribed client except skipID.
func (h *Hub) fanout(topic string, payload []byte, skipID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.topics[topic] {
		if id == skipID {
			continue
		}
		c.send(frame{Type: frameMessage, Topic: topic, Payload: payload})
	}
}

func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for topic, subs := range h.topics {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()

	c.close()
}

// hubClient owns one connection's outbound side: an unbounded send queue
// drained by a writer goroutine, so a slow reader never stalls the hub.
type hubClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newHubClient(id string, conn *websocket.Conn) *hubClient {
	c := &hubClient{id: id, conn: conn}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *hubClient) send(f frame) {
	data := encodeFrame(f)
	c.mu.Lock()
	if !c.closed {
		c.queue = append(c.queue, data)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

func (c *hubClient) close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *hubClient) shutdown(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
	c.close()
}

func (c *hubClient) writeLoop() {
	for {
		c.mu.Lock()
		for !c.closed && len(c.queue) == 0 {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		data := c.queue[0]
		// pop
		copy(c.queue, c.queue[1:])
		c.queue = c.queue[:len(c.queue)-1]
		c.mu.Unlock()

		if err := c.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			c.close()
			return
		}
	}
}
