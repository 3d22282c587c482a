package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/apiloop/internal/config"
	"github.com/nugget/apiloop/internal/events"
)

const (
	eventBufferSize = 512
	learningLimit   = 10
	learningWindow  = time.Minute
)

// Publisher manages the MQTT connection and forwards bus events to the
// broker until its context is cancelled.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bus        *events.Bus
	tokens     *DailyTokens
	learnings  LearningSink
	limiter    *messageRateLimiter
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
	forwarded  atomic.Int64
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bus:        bus,
		tokens:     NewDailyTokens(nil),
		limiter:    newMessageRateLimiter(learningLimit, learningWindow, logger),
		logger:     logger,
	}
}

// SetLearningSink enables the learnings subscription. It has no effect
// unless AcceptLearnings is set in the configuration.
func (p *Publisher) SetLearningSink(sink LearningSink) {
	p.learnings = sink
}

// Tokens returns the daily accumulator fed from forwarded events.
func (p *Publisher) Tokens() *DailyTokens {
	return p.tokens
}

// Forwarded returns how many events have been handed to the broker.
func (p *Publisher) Forwarded() int64 {
	return p.forwarded.Load()
}

// Start connects to the broker and forwards events. It blocks until ctx
// is cancelled. On every (re-)connect it publishes a birth message and
// renews the learnings subscription.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

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
			p.subscribeLearnings(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(p.cfg.ClientID, p.instanceID),
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
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

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	go p.limiter.start(ctx)
	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The context bounds how long both steps may take.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return strings.TrimSuffix(p.cfg.BaseTopic, "/")
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) statsTopic() string {
	return p.baseTopic() + "/stats"
}

func (p *Publisher) learningsTopic() string {
	return p.baseTopic() + "/learnings/add"
}

func (p *Publisher) eventTopic(e events.Event) string {
	return p.baseTopic() + "/events/" + topicSegment(e.Source) + "/" + topicSegment(e.Kind)
}

// topicSegment makes s safe as a single topic level.
func topicSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// --- Publishing ---

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
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

func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(eventBufferSize)
	defer p.bus.Unsubscribe(ch)

	ticker := time.NewTicker(time.Duration(p.cfg.PublishIntervalSec) * time.Second)
	defer ticker.Stop()

	p.publishStats(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.tokens.Observe(e)
			p.publishEvent(ctx, e)
		case <-ticker.C:
			p.publishStats(ctx)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, e events.Event) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	// QoS 0 keeps a slow broker from backing up the loop.
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
		return
	}
	p.forwarded.Add(1)
}

func (p *Publisher) publishStats(ctx context.Context) {
	if p.cm == nil {
		return
	}
	payload, err := json.Marshal(p.tokens.Snapshot())
	if err != nil {
		p.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := p.cm.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
	}
}

// --- Learnings ---

func (p *Publisher) subscribeLearnings(ctx context.Context, cm *autopaho.ConnectionManager) {
	if !p.cfg.AcceptLearnings || p.learnings == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: p.learningsTopic(), QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.learningsTopic(), "error", err)
		return
	}
	p.logger.Info("mqtt subscribed", "topic", p.learningsTopic())
}

// handleMessage records a learning received on the learnings topic.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) {
	if topic != p.learningsTopic() || p.learnings == nil {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if !p.limiter.allow() {
		return
	}

	lp, err := parseLearning(payload)
	if err != nil {
		p.logger.Warn("mqtt learning rejected", "error", err)
		return
	}
	if err := p.learnings.AddGlobalLearning(ctx, lp.Insight, lp.Examples...); err != nil {
		p.logger.Warn("learning recorded but not persisted", "error", err)
	}
	p.bus.Emit(events.SourceMQTT, events.KindLearningAdded, map[string]any{
		"insight": lp.Insight,
	})
	p.logger.Info("global learning added via mqtt", "insight", lp.Insight)
}
