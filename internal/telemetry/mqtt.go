package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/xtxerr/lidarlog/internal/errors"
)

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTPublisher publishes runs and flow batches as JSON to an MQTT broker.
//
// Topics:
//
//	<topic>/<asset>/<run>/run    retained run announcement
//	<topic>/<asset>/<run>/flows  flow batches
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
}

// NewMQTT connects to the broker named by cfg.
func NewMQTT(cfg Config) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Server).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(timeoutOrDefault(cfg.PublishTimeout))

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	log.Info("connected to broker", "server", cfg.Server, "client_id", cfg.ClientID)
	return newMQTTPublisher(client, cfg), nil
}

func newMQTTPublisher(client mqtt.Client, cfg Config) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		topic:   cfg.Topic,
		timeout: timeoutOrDefault(cfg.PublishTimeout),
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultConfig().PublishTimeout
	}
	return d
}

// RunTopic returns the topic prefix of run.
func (m *MQTTPublisher) RunTopic(run Run) string {
	return m.topic + "/" + run.Asset + "/" + run.Name
}

// AttachRun publishes the retained run announcement.
func (m *MQTTPublisher) AttachRun(ctx context.Context, run Run) error {
	return m.publishJSON(ctx, m.RunTopic(run)+"/run", true, run)
}

// Publish publishes one batch of flows.
func (m *MQTTPublisher) Publish(ctx context.Context, run Run, flows []Flow) error {
	return m.publishJSON(ctx, m.RunTopic(run)+"/flows", false, flows)
}

// Close disconnects from the broker.
func (m *MQTTPublisher) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

func (m *MQTTPublisher) publishJSON(ctx context.Context, topic string, retained bool, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	timeout := m.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	token := m.client.Publish(topic, 1, retained, b)
	if !token.WaitTimeout(timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", topic, ErrPublishTimeout)
	}
	return token.Error()
}
