// Package uplink mirrors received telemetry records to an MQTT broker, one
// message per field per sample on <prefix>/<field>.
package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/srg/ebikelink/internal/client"
)

const (
	// DefaultTopicPrefix is prepended to the field name in every topic.
	DefaultTopicPrefix = "ebike"

	// DefaultPublishTimeout bounds the wait for a single publish ack.
	DefaultPublishTimeout = 5 * time.Second

	connectPoll = 200 * time.Millisecond
)

// mqttConn is the slice of mqtt.Client the uplink uses. Narrowed so tests can
// substitute an in-process fake without a broker.
type mqttConn interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// newConn builds the broker connection. Tests replace it to inject a fake.
var newConn = func(opts *mqtt.ClientOptions) mqttConn {
	return mqtt.NewClient(opts)
}

// Config parametrizes an Uplink.
type Config struct {
	// Broker is the MQTT broker URL, e.g. "tcp://localhost:1883".
	Broker string

	// ClientID identifies this client to the broker. Defaults to
	// "ebikelink-bridge".
	ClientID string

	// TopicPrefix is prepended to the field name in every topic. Defaults to
	// DefaultTopicPrefix.
	TopicPrefix string

	PublishTimeout time.Duration

	Logger *logrus.Logger
}

// Uplink publishes telemetry records to an MQTT broker. Broker loss is
// absorbed: records arriving while disconnected are dropped and counted, and
// the underlying client reconnects on its own.
type Uplink struct {
	cfg    Config
	logger *logrus.Logger
	conn   mqttConn

	dropped uint64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an unconnected Uplink for the given broker.
func New(cfg Config) *Uplink {
	if cfg.ClientID == "" {
		cfg.ClientID = "ebikelink-bridge"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	u := &Uplink{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.WithField("broker", cfg.Broker).Info("mqtt uplink connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("mqtt uplink connection lost")
	})

	u.conn = newConn(opts)
	return u
}

// Connect establishes the broker connection. It waits for the initial
// connect, honoring ctx and Close; with retry enabled the client keeps
// attempting in the background once this returns.
func (u *Uplink) Connect(ctx context.Context) error {
	select {
	case <-u.stopCh:
		return fmt.Errorf("uplink closed")
	default:
	}

	token := u.conn.Connect()
	for {
		if token.WaitTimeout(connectPoll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.stopCh:
			return fmt.Errorf("uplink closed")
		default:
		}
	}
}

// Publish mirrors one record to <prefix>/<field> as JSON. A disconnected
// broker is not an error: the record is dropped and counted while the client
// reconnects in the background.
func (u *Uplink) Publish(rec client.Record) error {
	topic := u.cfg.TopicPrefix + "/" + rec.Field.String()

	if !u.conn.IsConnected() {
		atomic.AddUint64(&u.dropped, 1)
		u.logger.WithField("topic", topic).Debug("uplink offline, record dropped")
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	token := u.conn.Publish(topic, 1, false, data)
	if !token.WaitTimeout(u.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	u.logger.WithFields(logrus.Fields{
		"topic": topic,
		"value": rec.Value,
	}).Debug("record published")
	return nil
}

// Dropped returns the number of records discarded while the broker was
// unreachable.
func (u *Uplink) Dropped() uint64 {
	return atomic.LoadUint64(&u.dropped)
}

// Close shuts the uplink down. Idempotent; Connect fails afterwards.
func (u *Uplink) Close() {
	u.stopOnce.Do(func() { close(u.stopCh) })
	if u.conn != nil {
		u.conn.Disconnect(250)
	}
	u.logger.Info("mqtt uplink closed")
}
