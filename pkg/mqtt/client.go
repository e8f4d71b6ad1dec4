package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/locfix/pkg/logx"
)

// Client wraps a paho client for the locfix topics
type Client struct {
	client    MQTT.Client
	logger    *logx.Logger
	config    *Config
	connected atomic.Bool

	mu          sync.Mutex
	lastPublish time.Time
	// handlers are re-installed after every reconnect
	handlers map[string]func(payload []byte)
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "locfixd",
		TopicPrefix: "locfix",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates an unconnected MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	return &Client{
		logger:   logger,
		config:   config,
		handlers: make(map[string]func(payload []byte)),
	}
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("mqtt_disabled")
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

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("mqtt_connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() {
	if c.client != nil && c.connected.Load() {
		c.client.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("mqtt_disconnected")
	}
}

func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("mqtt_connection_established")

	c.mu.Lock()
	topics := make([]string, 0, len(c.handlers))
	for topic := range c.handlers {
		topics = append(topics, topic)
	}
	c.mu.Unlock()
	for _, topic := range topics {
		if err := c.subscribe(topic); err != nil {
			c.logger.Warn("mqtt_resubscribe_failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("mqtt_connection_lost", "error", err)
}

// Topic joins suffix onto the configured prefix
func (c *Client) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, suffix)
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// Subscribe routes payloads on topic to handler. The subscription is kept
// across reconnects.
func (c *Client) Subscribe(topic string, handler func(payload []byte)) error {
	c.mu.Lock()
	c.handlers[topic] = handler
	c.mu.Unlock()

	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	return c.subscribe(topic)
}

func (c *Client) subscribe(topic string) error {
	token := c.client.Subscribe(topic, byte(c.config.QoS), func(_ MQTT.Client, msg MQTT.Message) {
		c.mu.Lock()
		handler := c.handlers[msg.Topic()]
		c.mu.Unlock()
		if handler != nil {
			handler(msg.Payload())
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("mqtt_subscribed", "topic", topic)
	return nil
}

// Unsubscribe removes the handler for topic
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	c.logger.Info("mqtt_unsubscribed", "topic", topic)
	return nil
}

// PublishStatus publishes daemon status
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	payload := map[string]interface{}{
		"timestamp": time.Now(),
		"status":    status,
	}
	return c.publishJSON(c.Topic("status"), payload)
}

func (c *Client) publishJSON(topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	c.logger.Debug("mqtt_published", "topic", topic, "size", len(data))
	return nil
}
