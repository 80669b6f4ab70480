// Package messaging provides a NATS client wrapper for publishing moderation
// decisions to other services and receiving control messages. It handles
// connection lifecycle and subject naming.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/aimodbot/internal/moderation"
)

// NATS subject patterns.
const (
	SubjectDecision = "moderation.decision" // + .<room token>
	SubjectReload   = "moderation.reload"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "aimodbot",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, log *zap.Logger) (*NATSClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// subjectToken makes a room ID usable as a single subject token. Matrix
// room IDs contain '.', which NATS treats as a separator.
var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// DecisionSubject returns the subject decisions for roomID are published on.
func DecisionSubject(roomID string) string {
	return SubjectDecision + "." + subjectToken.Replace(roomID)
}

// PublishDecision publishes a decision record to moderation.decision.<room>.
func (c *NATSClient) PublishDecision(rec moderation.DecisionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nats: marshal decision: %w", err)
	}
	return c.Publish(DecisionSubject(rec.RoomID), data)
}

// SubscribeReload calls handler whenever a reload request arrives, so every
// replica can reread its config file.
func (c *NATSClient) SubscribeReload(handler func()) error {
	return c.Subscribe(SubjectReload, func(*nats.Msg) {
		handler()
	})
}

// Healthy reports an error unless the connection is currently up.
func (c *NATSClient) Healthy(context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats: %s", c.conn.Status())
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain failed", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.log.Warn("connection drain failed", zap.Error(err))
	}

	c.log.Info("client closed")
}

// Publisher is the subset of NATSClient used by DecisionSink.
type Publisher interface {
	PublishDecision(rec moderation.DecisionRecord) error
}

// DecisionSink publishes every moderation outcome.
type DecisionSink struct {
	pub Publisher
}

// NewDecisionSink returns a sink publishing through pub.
func NewDecisionSink(pub Publisher) *DecisionSink {
	return &DecisionSink{pub: pub}
}

// Record publishes the outcome's decision record.
func (s *DecisionSink) Record(_ context.Context, o moderation.Outcome) error {
	if err := s.pub.PublishDecision(o.Record()); err != nil {
		return fmt.Errorf("messaging: publish decision: %w", err)
	}
	return nil
}
