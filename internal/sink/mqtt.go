package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttConnectTimeout = 10 * time.Second

// mqttClient is the part of mqtt.Client the sink uses.
type mqttClient interface {
	IsConnected() bool
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTOptions configures an MQTT sink.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
}

type mqttSender struct {
	client mqttClient
	topic  string
	qos    byte

	mu sync.Mutex
}

// NewMQTTSender publishes every entry as JSON on a broker topic. The broker
// connection is opened on first send.
func NewMQTTSender(o MQTTOptions) (Sender, error) {
	if o.Broker == "" || o.Topic == "" {
		return nil, errors.New("mqtt broker and topic required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetUsername(o.Username)
	opts.SetPassword(o.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	return newMQTTSender(mqtt.NewClient(opts), o.Topic, o.QoS), nil
}

func newMQTTSender(c mqttClient, topic string, qos byte) *mqttSender {
	return &mqttSender{client: c, topic: topic, qos: qos}
}

func (s *mqttSender) Send(ctx context.Context, p EntryPayload) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return wait(ctx, s.client.Publish(s.topic, s.qos, false, payload), "publish")
}

func (s *mqttSender) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnected() {
		return nil
	}
	return wait(ctx, s.client.Connect(), "connect")
}

// Close disconnects from the broker.
func (s *mqttSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}

func wait(ctx context.Context, t mqtt.Token, op string) error {
	select {
	case <-t.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt %s: %w", op, ctx.Err())
	}
	if err := t.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", op, err)
	}
	return nil
}
