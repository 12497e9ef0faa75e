package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/clipman/HASS.Agent-Integration/internal/config"
	"github.com/clipman/HASS.Agent-Integration/internal/events"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Handlers run on the paho receive goroutine and
// must be safe for concurrent use with the rest of the process.
type MessageHandler = func(topic string, payload []byte)

// subscription pairs a registered handler with its QoS so it can be
// restored on reconnect.
type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client manages the MQTT connection and routes inbound messages to
// per-topic handlers. It satisfies the transport interface consumed by
// the mediaplayer package.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	limiter    *messageRateLimiter

	mu   sync.Mutex
	subs map[string]subscription
}

// NewClient creates a Client but does not connect. Call [Client.Start]
// to begin the connection.
func NewClient(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Client {
	limit := cfg.RateLimitPerSec
	if limit <= 0 {
		limit = 50
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		logger:     logger,
		limiter:    newMessageRateLimiter(int64(limit), time.Second, logger),
		subs:       make(map[string]subscription),
	}
}

// Start connects to the MQTT broker and returns once the initial
// connection attempt resolves. autopaho keeps retrying in the
// background on failure, and re-subscribes all registered topics on
// every (re-)connect. The connection lives until ctx is cancelled or
// [Client.Stop] is called.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := c.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMQTT,
				Kind:      events.KindConnected,
				Data:      map[string]any{"broker": c.cfg.Broker},
			})
			c.publishAvailability(ctx, cm, "online")
			c.resubscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
			c.bus.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceMQTT,
				Kind:      events.KindConnectionLost,
				Data:      map[string]any{"broker": c.cfg.Broker, "error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hampbridge-" + c.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.route,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	go c.limiter.start(ctx)

	// Wait for the initial connection before mirrors start issuing
	// subscribe calls.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}

// Publish sends a single message to the broker at QoS 0. Failures are
// returned to the caller; no retry happens at this layer.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	c.logger.Log(ctx, config.LevelTrace, "mqtt publish payload",
		"topic", topic, "payload", string(payload))
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic and subscribes on the broker.
// The registration survives reconnects: every connection-up callback
// replays all registered subscriptions.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	}); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("mqtt subscribe to %s: %w", topic, err)
	}

	c.logger.Debug("mqtt subscribed", "topic", topic, "qos", qos)
	return nil
}

// Unsubscribe removes the handlers for the given topics and
// unsubscribes on the broker. Topics with no registered handler are
// skipped, so calling it twice (or during teardown with nothing
// subscribed) is a no-op rather than an error.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	c.mu.Lock()
	active := make([]string, 0, len(topics))
	for _, t := range topics {
		if _, ok := c.subs[t]; ok {
			active = append(active, t)
			delete(c.subs, t)
		}
	}
	c.mu.Unlock()

	if len(active) == 0 || c.cm == nil {
		return nil
	}

	if _, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: active}); err != nil {
		return fmt.Errorf("mqtt unsubscribe %v: %w", active, err)
	}

	c.logger.Debug("mqtt unsubscribed", "topics", active)
	return nil
}

// route dispatches an inbound publish to its registered handler. Topic
// matching is exact: the bridge only subscribes literal topics, never
// wildcard filters.
func (c *Client) route(pr paho.PublishReceived) (bool, error) {
	if !c.limiter.allow() {
		return false, nil
	}

	c.mu.Lock()
	sub, ok := c.subs[pr.Packet.Topic]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("mqtt message on unrouted topic",
			"topic", pr.Packet.Topic, "payload_size", len(pr.Packet.Payload))
		return false, nil
	}

	sub.handler(pr.Packet.Topic, pr.Packet.Payload)
	return true, nil
}

// resubscribe replays all registered subscriptions after a (re-)connect.
func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	opts := make([]paho.SubscribeOptions, 0, len(c.subs))
	for topic, sub := range c.subs {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: sub.qos})
	}
	c.mu.Unlock()

	if len(opts) == 0 {
		return
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Warn("mqtt resubscribe failed", "topics", len(opts), "error", err)
	} else {
		c.logger.Debug("mqtt resubscribed", "topics", len(opts))
	}
}

func (c *Client) availabilityTopic() string {
	return "hampbridge/" + c.instanceID + "/availability"
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("mqtt availability published", "status", status)
	}
}
