package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/models"
)

// TokenPublisher is the part of mqtt.Client the Publisher needs
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Publisher handles MQTT publishing from channels
type Publisher struct {
	client TokenPublisher

	// Input channels (read by publisher, written by the services)
	ResultChan chan models.InferenceResult
	HealthChan chan models.HealthReport

	stateTopic  string
	healthTopic string
	publishWait time.Duration
	retainState bool
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	StateTopic  string // e.g., "eeg/{device_id}/state"
	HealthTopic string // e.g., "eeg/{device_id}/health"
	RetainState bool   // late subscribers receive the latest state
	PublishWait time.Duration
	ChannelSize int
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		StateTopic:  DefaultStateTopic,
		HealthTopic: DefaultHealthTopic,
		RetainState: true,
		PublishWait: 5 * time.Second,
		ChannelSize: 50,
	}
}

// NewPublisher creates a new MQTT publisher with its input channels
func NewPublisher(client TokenPublisher, config PublisherConfig) *Publisher {
	if config.PublishWait <= 0 {
		config.PublishWait = 5 * time.Second
	}
	return &Publisher{
		client:      client,
		ResultChan:  make(chan models.InferenceResult, config.ChannelSize),
		HealthChan:  make(chan models.HealthReport, config.ChannelSize),
		stateTopic:  config.StateTopic,
		healthTopic: config.HealthTopic,
		publishWait: config.PublishWait,
		retainState: config.RetainState,
	}
}

// Start begins publishing results and health reports from the channels
// Runs until context is cancelled or both channels are closed
func (p *Publisher) Start(ctx context.Context) {
	logrus.Info("MQTT Publisher: Starting...")

	results, health := p.ResultChan, p.HealthChan
	for results != nil || health != nil {
		select {
		case <-ctx.Done():
			logrus.Info("MQTT Publisher: Context cancelled, shutting down...")
			return

		case r, ok := <-results:
			if !ok {
				logrus.Info("MQTT Publisher: Result channel closed")
				results = nil
				continue
			}
			if err := p.PublishResult(r); err != nil {
				logrus.WithError(err).Error("MQTT Publisher: Error publishing result")
			}

		case h, ok := <-health:
			if !ok {
				logrus.Info("MQTT Publisher: Health channel closed")
				health = nil
				continue
			}
			if err := p.PublishHealth(h); err != nil {
				logrus.WithError(err).Error("MQTT Publisher: Error publishing health")
			}
		}
	}
	logrus.Info("MQTT Publisher: All channels closed, shutting down...")
}

// PublishResult publishes one inference result to the device state topic
func (p *Publisher) PublishResult(r models.InferenceResult) error {
	if p.stateTopic == "" {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal inference result: %w", err)
	}

	topic := formatTopic(p.stateTopic, r.DeviceID)
	if err := p.publish(topic, p.retainState, payload); err != nil {
		return fmt.Errorf("failed to publish inference result: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"device_id": r.DeviceID,
		"iteration": r.Iteration,
		"topic":     topic,
	}).Debug("MQTT Publisher: Published inference result")
	return nil
}

// PublishHealth publishes one health report to the device health topic
func (p *Publisher) PublishHealth(h models.HealthReport) error {
	if p.healthTopic == "" {
		return nil
	}
	payload, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal health report: %w", err)
	}

	topic := formatTopic(p.healthTopic, h.DeviceID)
	if err := p.publish(topic, false, payload); err != nil {
		return fmt.Errorf("failed to publish health report: %w", err)
	}
	return nil
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(p.publishWait) {
		return fmt.Errorf("publish to %s timed out after %v", topic, p.publishWait)
	}
	return token.Error()
}
