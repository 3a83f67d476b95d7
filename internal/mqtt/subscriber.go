package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"attentionspan-backend/internal/models"
)

// TokenSubscriber is the part of mqtt.Client the Subscriber needs
type TokenSubscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// PacketSink receives decoded raw sample packets
type PacketSink interface {
	Push(p models.SamplePacket) error
}

// Control commands accepted on the control topic
const (
	CommandStop = "stop"
)

// Subscriber handles the raw sample and control topics of one device
type Subscriber struct {
	client TokenSubscriber

	sink   PacketSink
	onStop func()

	rawTopic     string
	controlTopic string
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	DeviceID     string
	RawTopic     string // e.g., "eeg/{device_id}/raw", empty disables packet ingestion
	ControlTopic string // e.g., "eeg/{device_id}/control", empty disables remote stop
}

// NewSubscriber creates a new MQTT subscriber. sink may be nil when the
// board session is not packet fed; onStop may be nil when remote stop is disabled.
func NewSubscriber(client TokenSubscriber, config SubscriberConfig, sink PacketSink, onStop func()) *Subscriber {
	s := &Subscriber{
		client: client,
		sink:   sink,
		onStop: onStop,
	}
	if sink != nil && config.RawTopic != "" {
		s.rawTopic = formatTopic(config.RawTopic, config.DeviceID)
	}
	if onStop != nil && config.ControlTopic != "" {
		s.controlTopic = formatTopic(config.ControlTopic, config.DeviceID)
	}
	return s
}

// SubscribeAll subscribes to all configured topics
func (s *Subscriber) SubscribeAll() error {
	if s.rawTopic != "" {
		if err := s.subscribeToTopic(s.rawTopic, s.handleRaw); err != nil {
			return fmt.Errorf("failed to subscribe to raw topic: %w", err)
		}
		logrus.WithField("topic", s.rawTopic).Info("MQTT Subscriber: Subscribed to raw sample topic")
	}

	if s.controlTopic != "" {
		if err := s.subscribeToTopic(s.controlTopic, s.handleControl); err != nil {
			return fmt.Errorf("failed to subscribe to control topic: %w", err)
		}
		logrus.WithField("topic", s.controlTopic).Info("MQTT Subscriber: Subscribed to control topic")
	}

	return nil
}

// UnsubscribeAll drops the subscriptions made by SubscribeAll
func (s *Subscriber) UnsubscribeAll() error {
	var topics []string
	for _, t := range []string{s.rawTopic, s.controlTopic} {
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return nil
	}
	token := s.client.Unsubscribe(topics...)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}
	return nil
}

// subscribeToTopic is a helper function to subscribe to a topic with a handler
func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// DecodePacket parses a raw sample packet payload
func DecodePacket(payload []byte) (models.SamplePacket, error) {
	var p models.SamplePacket
	if err := json.Unmarshal(payload, &p); err != nil {
		return models.SamplePacket{}, fmt.Errorf("failed to unmarshal sample packet: %w", err)
	}
	if err := p.Validate(); err != nil {
		return models.SamplePacket{}, fmt.Errorf("invalid sample packet: %w", err)
	}
	return p, nil
}

// handleRaw decodes raw sample packets and hands them to the session buffer
func (s *Subscriber) handleRaw(_ mqtt.Client, msg mqtt.Message) {
	entry := logrus.WithField("device_id", extractDeviceID(msg.Topic()))

	p, err := DecodePacket(msg.Payload())
	if err != nil {
		entry.WithError(err).Warn("MQTT Subscriber: Dropping sample packet")
		return
	}
	if err := s.sink.Push(p); err != nil {
		entry.WithError(err).Warn("MQTT Subscriber: Sample packet rejected")
		return
	}
	entry.WithField("samples", models.SampleCount(p.EEG)).Trace("MQTT Subscriber: Sample packet buffered")
}

// ParseCommand normalises a control payload. Both a bare word and
// {"command": "..."} are accepted.
func ParseCommand(payload []byte) string {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Command != "" {
		return strings.ToLower(strings.TrimSpace(body.Command))
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(string(payload)), `"`))
}

// handleControl processes remote control commands for the stream loop
func (s *Subscriber) handleControl(_ mqtt.Client, msg mqtt.Message) {
	cmd := ParseCommand(msg.Payload())
	entry := logrus.WithFields(logrus.Fields{
		"device_id": extractDeviceID(msg.Topic()),
		"command":   cmd,
	})

	switch cmd {
	case CommandStop:
		entry.Info("MQTT Subscriber: Remote stop requested")
		s.onStop()
	default:
		entry.Warn("MQTT Subscriber: Unknown control command")
	}
}
