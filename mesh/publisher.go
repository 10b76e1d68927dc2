package mesh

import (
	"encoding/json"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RegistrationReport is published after every committed frame
type RegistrationReport struct {
	SessionID string      `json:"sessionId"`
	Result    FrameResult `json:"result"`
	Timestamp int64       `json:"timestamp"`
}

// Publisher publishes registration results and session status to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	clock         clock.Clock
	logger        *zap.SugaredLogger
}

// NewPublisher creates a new result publisher.
// MQTT_PUBLISH_PREFIX overrides prefix; both empty fall back to "cloudmesh".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string, logger *zap.SugaredLogger, clk clock.Clock) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "cloudmesh"
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clk == nil {
		clk = clock.New()
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0, // QoS 0 for per-frame updates (fire and forget)
		clock:         clk,
		logger:        logger,
	}
}

// Prefix returns the topic prefix.
func (p *Publisher) Prefix() string {
	return p.publishPrefix
}

// RegistrationTopic is where per-frame reports go.
func (p *Publisher) RegistrationTopic() string {
	return p.publishPrefix + "/registration"
}

// StatusTopic carries the retained session status.
func (p *Publisher) StatusTopic() string {
	return p.publishPrefix + "/status"
}

// ControlTopic accepts reset, start and stop commands.
func (p *Publisher) ControlTopic() string {
	return p.publishPrefix + "/control"
}

// PublishRegistration publishes one frame's registration report (not retained).
func (p *Publisher) PublishRegistration(sessionID string, result FrameResult) error {
	report := RegistrationReport{
		SessionID: sessionID,
		Result:    result,
		Timestamp: p.clock.Now().Unix(),
	}
	if err := p.publishJSON(p.RegistrationTopic(), false, report); err != nil {
		return err
	}
	p.logger.Debugw("published registration", "frame", result.Frame, "mapSize", result.MapSize)
	return nil
}

// PublishStatus publishes the retained session status.
func (p *Publisher) PublishStatus(status Status) error {
	return p.publishJSON(p.StatusTopic(), true, status)
}

// HandleFrame is a FrameListener that publishes both the report and the status.
func (p *Publisher) HandleFrame(result FrameResult, status Status) {
	if err := p.PublishRegistration(status.SessionID, result); err != nil {
		p.logger.Warnw("error publishing registration", "frame", result.Frame, "error", err)
	}
	if err := p.PublishStatus(status); err != nil {
		p.logger.Warnw("error publishing status", "error", err)
	}
}

func (p *Publisher) publishJSON(topic string, retain bool, v interface{}) error {
	if p.client == nil || !p.client.IsConnected() {
		return errors.New("MQTT client not connected")
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshaling payload for %s", topic)
	}

	token := p.client.Publish(topic, p.qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}
