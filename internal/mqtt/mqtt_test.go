package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attentionspan-backend/internal/models"
)

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeBroker struct {
	mu       sync.Mutex
	sent     []published
	handlers map[string]mqtt.MessageHandler
	err      error
	timeout  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, published{topic: topic, retained: retained, payload: payload.([]byte)})
	return &fakeToken{err: b.err, timeout: b.timeout}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return &fakeToken{err: b.err}
	}
	b.handlers[topic] = cb
	return &fakeToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return &fakeToken{}
}

func (b *fakeBroker) deliver(topic string, payload []byte) bool {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h(nil, &fakeMessage{topic: topic, payload: payload})
	return true
}

func (b *fakeBroker) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.sent...)
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return 1 }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

type fakeSink struct {
	packets []models.SamplePacket
	err     error
}

func (s *fakeSink) Push(p models.SamplePacket) error {
	if s.err != nil {
		return s.err
	}
	s.packets = append(s.packets, p)
	return nil
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "eeg/muse-01/state", formatTopic(DefaultStateTopic, "muse-01"))
	assert.Equal(t, "muse-01", extractDeviceID("eeg/muse-01/raw"))
	assert.Equal(t, "", extractDeviceID("eeg"))
}

func TestPublisherPublishResult(t *testing.T) {
	broker := newFakeBroker()
	p := NewPublisher(broker, DefaultPublisherConfig())

	r := models.InferenceResult{DeviceID: "muse-01", Iteration: 3, ClassLabel: "Focus-Fatigued"}
	require.NoError(t, p.PublishResult(r))

	sent := broker.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "eeg/muse-01/state", sent[0].topic)
	assert.True(t, sent[0].retained)

	var got models.InferenceResult
	require.NoError(t, json.Unmarshal(sent[0].payload, &got))
	assert.Equal(t, uint64(3), got.Iteration)
	assert.Equal(t, "Focus-Fatigued", got.ClassLabel)
}

func TestPublisherErrors(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("not connected")
	p := NewPublisher(broker, DefaultPublisherConfig())
	assert.ErrorContains(t, p.PublishHealth(models.HealthReport{DeviceID: "d"}), "not connected")

	broker = newFakeBroker()
	broker.timeout = true
	p = NewPublisher(broker, DefaultPublisherConfig())
	assert.ErrorContains(t, p.PublishResult(models.InferenceResult{DeviceID: "d"}), "timed out")
}

func TestPublisherDisabledTopic(t *testing.T) {
	broker := newFakeBroker()
	cfg := DefaultPublisherConfig()
	cfg.HealthTopic = ""
	p := NewPublisher(broker, cfg)

	require.NoError(t, p.PublishHealth(models.HealthReport{DeviceID: "d"}))
	assert.Empty(t, broker.messages())
}

func TestPublisherStartDrainsChannels(t *testing.T) {
	broker := newFakeBroker()
	p := NewPublisher(broker, DefaultPublisherConfig())

	p.ResultChan <- models.InferenceResult{DeviceID: "muse-01"}
	p.HealthChan <- models.HealthReport{DeviceID: "muse-01", SkipRate: 0.5}
	close(p.ResultChan)
	close(p.HealthChan)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop after channels closed")
	}

	topics := map[string]bool{}
	for _, m := range broker.messages() {
		topics[m.topic] = true
	}
	assert.True(t, topics["eeg/muse-01/state"])
	assert.True(t, topics["eeg/muse-01/health"])
}

func TestDecodePacket(t *testing.T) {
	p, err := DecodePacket([]byte(`{"eeg": [[1,2,3],[4,5,6]], "aux": [[0,0,0]], "sampling_rate": 256}`))
	require.NoError(t, err)
	assert.Len(t, p.EEG, 2)
	assert.Equal(t, 256.0, p.SamplingRate)

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `eeg`},
		{"no channels", `{"eeg": []}`},
		{"ragged", `{"eeg": [[1,2],[3]]}`},
		{"negative rate", `{"eeg": [[1]], "sampling_rate": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket([]byte(tt.payload))
			assert.Error(t, err)
		})
	}
}

func TestParseCommand(t *testing.T) {
	assert.Equal(t, "stop", ParseCommand([]byte("stop")))
	assert.Equal(t, "stop", ParseCommand([]byte(" STOP\n")))
	assert.Equal(t, "stop", ParseCommand([]byte(`"stop"`)))
	assert.Equal(t, "stop", ParseCommand([]byte(`{"command": "Stop"}`)))
	assert.Equal(t, "pause", ParseCommand([]byte("pause")))
}

func TestSubscriberRoutesMessages(t *testing.T) {
	broker := newFakeBroker()
	sink := &fakeSink{}
	stops := 0

	s := NewSubscriber(broker, SubscriberConfig{
		DeviceID:     "muse-01",
		RawTopic:     DefaultRawTopic,
		ControlTopic: DefaultControlTopic,
	}, sink, func() { stops++ })
	require.NoError(t, s.SubscribeAll())

	require.True(t, broker.deliver("eeg/muse-01/raw", []byte(`{"eeg": [[1,2],[3,4]]}`)))
	require.True(t, broker.deliver("eeg/muse-01/raw", []byte(`garbage`)))
	require.True(t, broker.deliver("eeg/muse-01/control", []byte("pause")))
	require.True(t, broker.deliver("eeg/muse-01/control", []byte("stop")))

	assert.Len(t, sink.packets, 1)
	assert.Equal(t, 1, stops)

	require.NoError(t, s.UnsubscribeAll())
	assert.False(t, broker.deliver("eeg/muse-01/raw", []byte(`{"eeg": [[1]]}`)))
}

func TestSubscriberSinkRejects(t *testing.T) {
	broker := newFakeBroker()
	sink := &fakeSink{err: errors.New("not streaming")}

	s := NewSubscriber(broker, SubscriberConfig{DeviceID: "d", RawTopic: DefaultRawTopic}, sink, nil)
	require.NoError(t, s.SubscribeAll())

	require.True(t, broker.deliver("eeg/d/raw", []byte(`{"eeg": [[1]]}`)))
	assert.Empty(t, sink.packets)
	assert.False(t, broker.deliver("eeg/d/control", []byte("stop")))
}

func TestSubscriberSubscribeError(t *testing.T) {
	broker := newFakeBroker()
	broker.err = errors.New("denied")

	s := NewSubscriber(broker, SubscriberConfig{DeviceID: "d", RawTopic: DefaultRawTopic}, &fakeSink{}, nil)
	assert.ErrorContains(t, s.SubscribeAll(), "denied")
}

func TestClientReconnectHooks(t *testing.T) {
	c := &Client{config: ClientConfig{Broker: "tcp://test:1883"}}
	var calls int
	c.OnReconnect(func() { calls++ })

	c.handleConnect(nil)
	assert.Zero(t, calls, "first connect is not a reconnect")

	c.handleConnect(nil)
	c.handleConnect(nil)
	assert.Equal(t, 2, calls)
}
