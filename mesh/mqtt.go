package mesh

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FrameHandler is called for every frame message.
// Parameters: topic, decoded frame, decode error
type FrameHandler func(topic string, frame []r3.Vector, err error)

// ControlHandler is called with a lower-cased command from the control topic.
type ControlHandler func(command string)

// Control commands understood on the control topic.
const (
	CommandReset = "reset"
	CommandStart = "start"
	CommandStop  = "stop"
)

// MQTTClient manages the MQTT connection and the frame/control subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	controlTopic   string
	frameHandler   FrameHandler
	controlHandler ControlHandler
	logger         *zap.SugaredLogger
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates an MQTT client and starts connecting in the background.
// paho retries the initial connect until it succeeds, ctx is done or Disconnect is called.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil
func InitMQTT(ctx context.Context, config *Config, controlTopic string, frames FrameHandler, control ControlHandler, logger *zap.SugaredLogger) (*MQTTClient, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	// Check if MQTT is enabled via env var or config
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		logger.Info("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || (config.MQTT.FrameTopic == "" && config.MQTT.DepthTopic == "") {
		return nil, errors.New("MQTT enabled but no frame topic configured")
	}

	client := &MQTTClient{
		config:         config,
		controlTopic:   controlTopic,
		frameHandler:   frames,
		controlHandler: control,
		logger:         logger,
	}

	// Build MQTT client options
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	// Client ID
	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "cloudmesh"
	}
	opts.SetClientID(clientID)

	// Authentication
	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	// Frames must reach the session queue in arrival order.
	opts.SetOrderMatters(true)

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connect(ctx)

	return client, nil
}

// connect issues a single Connect. With ConnectRetry set the token only
// completes once paho has connected or given up, so this waits on it or ctx.
func (c *MQTTClient) connect(ctx context.Context) {
	c.logger.Info("connecting to MQTT broker")
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.logger.Warnw("MQTT connection failed", "error", err)
			return
		}
		c.logger.Info("connected to MQTT broker")
		c.setConnected(true)
	case <-ctx.Done():
		c.logger.Infow("MQTT connect abandoned", "reason", ctx.Err())
		c.Disconnect()
	}
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to frame topics")
	c.setConnected(true)

	if topic := c.config.MQTT.FrameTopic; topic != "" {
		c.subscribe(client, topic, c.createFrameHandler())
	}
	if topic := c.config.MQTT.DepthTopic; topic != "" {
		c.subscribe(client, topic, c.createDepthHandler())
	}
	if c.controlTopic != "" {
		c.subscribe(client, c.controlTopic, c.createControlHandler())
	}
}

func (c *MQTTClient) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	token := client.Subscribe(topic, 0, handler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.logger.Errorw("error subscribing", "topic", topic, "error", token.Error())
		return
	}
	c.logger.Infow("subscribed", "topic", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Warnw("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

// createFrameHandler decodes JSON point frames.
func (c *MQTTClient) createFrameHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.logger.Debugw("received frame", "topic", msg.Topic(), "bytes", len(payload))

		frame, err := DecodeFramePayload(payload)
		if err != nil {
			c.logger.Warnw("error decoding frame", "topic", msg.Topic(), "error", err)
		}
		if c.frameHandler != nil {
			c.frameHandler(msg.Topic(), frame, err)
		}
	}
}

// createDepthHandler decodes raw depth images using the depth section.
func (c *MQTTClient) createDepthHandler() mqtt.MessageHandler {
	d := c.config.Depth
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.logger.Debugw("received depth image", "topic", msg.Topic(), "bytes", len(payload))

		frame, err := DecodeDepthImage(payload, d.Width, d.Height, d.MinFraction, d.MaxFraction)
		if err != nil {
			c.logger.Warnw("error decoding depth image", "topic", msg.Topic(), "error", err)
		}
		if c.frameHandler != nil {
			c.frameHandler(msg.Topic(), frame, err)
		}
	}
}

// createControlHandler accepts a bare command or {"command": "..."}.
func (c *MQTTClient) createControlHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		command, ok := parseCommand(msg.Payload())
		if !ok {
			c.logger.Warnw("ignoring control message", "payload", string(msg.Payload()))
			return
		}
		c.logger.Infow("control command", "command", command)
		if c.controlHandler != nil {
			c.controlHandler(command)
		}
	}
}

func parseCommand(payload []byte) (string, bool) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(s), &body); err != nil {
			return "", false
		}
		s = body.Command
	}
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), `"`))
	switch s {
	case CommandReset, CommandStart, CommandStop:
		return s, true
	default:
		return "", false
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the MQTT connection and stops any pending connect retry.
func (c *MQTTClient) Disconnect() {
	if c.client != nil {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, controlTopic string, frames FrameHandler, control ControlHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		controlTopic:   controlTopic,
		frameHandler:   frames,
		controlHandler: control,
		logger:         zap.NewNop().Sugar(),
	}
}
