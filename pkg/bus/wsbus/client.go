package wsbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/Masterminds/semver"
	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/JTOne123/elephant/pkg/bus"
)

// Client connects to a Hub and exposes it as a bus.Bus. Handlers run in
// the client process; subscriptions are mirrored to the hub so only
// topics somebody here cares about travel the wire.
type Client struct {
	conn  *websocket.Conn
	local *bus.Memory
	id    string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	refMu sync.Mutex
	refs  map[string]int

	readDone chan struct{}
	closeOne sync.Once
	closeErr error
}

// Dial connects to a hub at url (ws:// or wss://) and performs the
// protocol handshake.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsbus: dial %s: %w", url, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, encodeFrame(frame{
		Type:    frameHello,
		Version: ProtocolVersion,
	})); err != nil {
		conn.Close(websocket.StatusProtocolError, "hello failed")
		return nil, fmt.Errorf("wsbus: send hello: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "welcome failed")
		return nil, fmt.Errorf("wsbus: read welcome: %w", err)
	}
	f, err := decodeFrame(data)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "welcome failed")
		return nil, fmt.Errorf("wsbus: decode welcome: %w", err)
	}
	if f.Type == frameError {
		conn.Close(websocket.StatusProtocolError, "rejected")
		return nil, fmt.Errorf("wsbus: hub rejected connection: %s", f.Reason)
	}
	if f.Type != frameWelcome {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("wsbus: expected welcome frame, got %q", f.Type)
	}
	hubVersion, err := semver.NewVersion(f.Version)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "bad version")
		return nil, fmt.Errorf("wsbus: parse hub version %q: %w", f.Version, err)
	}
	if hubVersion.Major() != semver.MustParse(ProtocolVersion).Major() {
		conn.Close(websocket.StatusProtocolError, "incompatible version")
		return nil, fmt.Errorf("wsbus: incompatible hub version %s", f.Version)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		local:    bus.NewMemory(),
		id:       f.ID,
		ctx:      cctx,
		cancel:   cancel,
		refs:     make(map[string]int),
		readDone: make(chan struct{}),
	}

	go c.readLoop()

	log.WithFields(log.Fields{
		"url":    url,
		"client": c.id,
	}).Debug("Connected to bus hub")

	return c, nil
}

// ID returns the identifier the hub assigned during the handshake.
func (c *Client) ID() string {
	return c.id
}

// Publish sends payload to the hub, which delivers it to every
// subscriber of topic, this client included.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return bus.ErrEmptyTopic
	}
	select {
	case <-c.ctx.Done():
		return bus.ErrClosed
	default:
	}
	return c.writeFrame(ctx, frame{Type: framePublish, Topic: topic, Payload: payload})
}

// Subscribe registers handler for topic. The first subscription on a
// topic tells the hub to start relaying it.
func (c *Client) Subscribe(ctx context.Context, topic string, handler bus.Handler) (bus.Subscription, error) {
	sub, err := c.local.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, err
	}

	c.refMu.Lock()
	c.refs[topic]++
	first := c.refs[topic] == 1
	c.refMu.Unlock()

	if first {
		if err := c.writeFrame(ctx, frame{Type: frameSubscribe, Topic: topic}); err != nil {
			sub.Unsubscribe()
			c.refMu.Lock()
			c.refs[topic]--
			if c.refs[topic] <= 0 {
				delete(c.refs, topic)
			}
			c.refMu.Unlock()
			return nil, err
		}
	}

	return &clientSubscription{client: c, topic: topic, inner: sub}, nil
}

// Close tears the connection down and stops all handlers.
func (c *Client) Close(ctx context.Context) error {
	c.closeOne.Do(func() {
		c.cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "closing")
		select {
		case <-c.readDone:
		case <-ctx.Done():
			c.closeErr = ctx.Err()
			return
		}
		c.closeErr = c.local.Close(ctx)
	})
	return c.closeErr
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.cancel()
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed bus frame")
			continue
		}
		switch f.Type {
		case frameMessage:
			if err := c.local.Publish(c.ctx, f.Topic, f.Payload); err != nil {
				log.WithField("topic", f.Topic).WithError(err).Warn("Failed to deliver bus message")
			}
		case frameError:
			log.WithField("reason", f.Reason).Warn("Bus hub reported an error")
		default:
			log.WithField("type", f.Type).Warn("Dropping unexpected bus frame")
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, encodeFrame(f)); err != nil {
		return fmt.Errorf("wsbus: write %s frame: %w", f.Type, err)
	}
	return nil
}

type clientSubscription struct {
	client *Client
	topic  string
	inner  bus.Subscription
	once   sync.Once
}

// Unsubscribe removes the handler. When the last handler for the topic
// goes away the hub is told to stop relaying it.
func (s *clientSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.inner.Unsubscribe()

		s.client.refMu.Lock()
		s.client.refs[s.topic]--
		last := s.client.refs[s.topic] <= 0
		if last {
			delete(s.client.refs, s.topic)
		}
		s.client.refMu.Unlock()

		if last {
			if err := s.client.writeFrame(s.client.ctx, frame{
				Type:  frameUnsubscribe,
				Topic: s.topic,
			}); err != nil {
				log.WithField("topic", s.topic).WithError(err).Debug("Failed to notify hub of unsubscribe")
			}
		}
	})
}
