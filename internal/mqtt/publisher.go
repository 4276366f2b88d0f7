package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/toolloop/internal/config"
	"github.com/nugget/toolloop/internal/events"
)

// pahoPublisher is the part of [autopaho.ConnectionManager] the
// forwarding loop needs.
type pahoPublisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher manages the MQTT connection, forwards bus events to the
// broker, and routes inbound interrupt commands.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	commands   Interrupter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	limiter    *messageRateLimiter
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and forwarding loop. commands may be nil, in
// which case no command topic is subscribed.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, commands Interrupter, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		commands:   commands,
		logger:     logger,
		limiter:    newMessageRateLimiter(20, time.Minute, logger),
	}
}

// Start connects to the MQTT broker and forwards events. It blocks
// until ctx is cancelled. On every (re-)connect it publishes a birth
// message and re-subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	handle := commandHandler(p.cfg.TopicPrefix, p.commands, p.logger)

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeCommands(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.cfg.ClientID, p.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					if !p.limiter.allow() {
						return true, nil
					}
					handle(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
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
	p.cm = cm

	// Wait for the initial connection before forwarding.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail: autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.forward(ctx, cm)
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. The provided context bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.cfg.TopicPrefix + "/events/" + e.Kind
}

func (p *Publisher) statusTopic(conversationID string) string {
	return p.cfg.TopicPrefix + "/conversations/" + conversationID + "/status"
}

func (p *Publisher) commandFilter() string {
	return p.cfg.TopicPrefix + "/conversations/+/interrupt"
}

// --- Forwarding ---

// forward publishes bus events until ctx is cancelled.
func (p *Publisher) forward(ctx context.Context, pub pahoPublisher) {
	ch := p.bus.Subscribe(256, nil)
	defer func() {
		if n := p.bus.Unsubscribe(ch); n > 0 {
			p.logger.Warn("mqtt forwarder dropped events", "dropped", n)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, pub, e)
		}
	}
}

// publishEvent sends one event, plus a retained status message for
// events that end or park a turn.
func (p *Publisher) publishEvent(ctx context.Context, pub pahoPublisher, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	topic := p.eventTopic(e)
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "topic", topic, "error", err)
		return
	}

	if e.Kind != events.KindTurnComplete && e.Kind != events.KindSuspended {
		return
	}
	id := e.ConversationID()
	if id == "" {
		return
	}
	status := "suspended"
	if e.Kind == events.KindTurnComplete {
		status, _ = e.Data["status"].(string)
	}
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.statusTopic(id),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt status publish failed", "conversation", id, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub pahoPublisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.commands == nil {
		return
	}
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt command topic subscribed", "topic", filter)
}
