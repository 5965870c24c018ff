package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/ridemeter/pkg"
	"github.com/markus-lassfolk/ridemeter/pkg/logx"
)

// Client publishes ridemeter telemetry and relays raw subscriptions
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	newClient   func(*MQTT.ClientOptions) MQTT.Client
	publishMu   sync.Mutex
	lastPublish time.Time

	telemetryLimiter *RateLimiter
	pending          chan pkg.FusedTelemetry
}

// Config holds MQTT configuration
type Config struct {
	Broker           string `json:"broker"`
	Port             int    `json:"port"`
	ClientID         string `json:"client_id"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	TopicPrefix      string `json:"topic_prefix"`
	RelayTopic       string `json:"relay_topic"`
	QoS              int    `json:"qos"`
	Retain           bool   `json:"retain"`
	Enabled          bool   `json:"enabled"`
	MaxTelemetryRate int    `json:"max_telemetry_rate"` // messages per second
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:           "localhost",
		Port:             1883,
		ClientID:         "ridemeterd",
		TopicPrefix:      "ridemeter",
		QoS:              1,
		Retain:           false,
		Enabled:          false,
		MaxTelemetryRate: 2,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxTelemetryRate <= 0 {
		config.MaxTelemetryRate = 2
	}
	return &Client{
		logger:    logger,
		config:    config,
		newClient: MQTT.NewClient,
		telemetryLimiter: &RateLimiter{
			maxMessages: config.MaxTelemetryRate,
			windowSize:  time.Second,
		},
		pending: make(chan pkg.FusedTelemetry, 1),
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.topic("status"), `{"online":false}`, 1, true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.newClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

func (c *Client) topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// OfferTelemetry queues the newest snapshot for publishing; an unsent older
// snapshot is replaced. It never blocks.
func (c *Client) OfferTelemetry(tel pkg.FusedTelemetry) {
	if !c.config.Enabled {
		return
	}
	for {
		select {
		case c.pending <- tel:
			return
		default:
		}
		select {
		case <-c.pending:
		default:
		}
	}
}

// Run publishes offered telemetry until ctx is cancelled
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tel := <-c.pending:
			if err := c.PublishTelemetry(tel); err != nil {
				c.logger.Warn("Telemetry publish failed", "error", err)
			}
		}
	}
}

// PublishTelemetry publishes a fused telemetry snapshot, subject to the rate limit
func (c *Client) PublishTelemetry(tel pkg.FusedTelemetry) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	if !c.telemetryLimiter.Allow() {
		c.logger.Trace("Telemetry rate limit exceeded, dropping snapshot")
		return nil
	}
	return c.publishJSON(c.topic("telemetry"), tel, false)
}

// PublishPlace publishes the resolved place name, retained
func (c *Client) PublishPlace(place pkg.CityInfo) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"place":     place,
		"label":     place.Label(),
	}
	return c.publishJSON(c.topic("place"), payload, true)
}

// PublishStatus publishes daemon status, retained
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"online":    true,
		"status":    status,
	}
	return c.publishJSON(c.topic("status"), payload, true)
}

// PublishNetwork publishes the connectivity banner, retained
func (c *Client) PublishNetwork(online bool, message string, since time.Time) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"online":    online,
		"since":     since,
	}
	if message != "" {
		payload["message"] = message
	}
	return c.publishJSON(c.topic("network"), payload, true)
}

func (c *Client) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), retain || c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.publishMu.Lock()
	c.lastPublish = time.Now()
	c.publishMu.Unlock()
	c.logger.Trace("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the timestamp of the last publish
func (c *Client) LastPublish() time.Time {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	return c.lastPublish
}

// SubscribeRaw subscribes handler to topic with the payload bytes only
func (c *Client) SubscribeRaw(topic string, handler func(topic string, payload []byte)) error {
	if !c.config.Enabled || !c.connected.Load() {
		return fmt.Errorf("%w: MQTT not connected", pkg.ErrProviderUnavailable)
	}

	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription created", "topic", topic)
	return nil
}

// Unsubscribe unsubscribes from an MQTT topic
func (c *Client) Unsubscribe(topic string) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription removed", "topic", topic)
	return nil
}

// RateLimiter is a fixed-window message counter
type RateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
}

// Allow checks if a rate limit allows publishing
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}

	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}
	return false
}
