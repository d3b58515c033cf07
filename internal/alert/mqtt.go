package alert

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the subset of mqtt.Client used to publish alerts.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTNotifier publishes alerts as JSON to a broker topic.
type MQTTNotifier struct {
	publisher Publisher
	topic     string
	qos       byte
}

// NewMQTTNotifier creates a notifier publishing to topic with the given QoS.
func NewMQTTNotifier(publisher Publisher, topic string, qos byte) (*MQTTNotifier, error) {
	if publisher == nil {
		return nil, fmt.Errorf("mqtt publisher cannot be nil")
	}
	if topic == "" {
		return nil, fmt.Errorf("mqtt topic cannot be empty")
	}
	if qos > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", qos)
	}
	return &MQTTNotifier{publisher: publisher, topic: topic, qos: qos}, nil
}

// MQTTOptions configures NewMQTTClient.
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// NewMQTTClient connects a paho client to the broker.
func NewMQTTClient(o MQTTOptions) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", o.Broker, token.Error())
	}
	return client, nil
}

func (n *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	data, err := a.MarshalPayload()
	if err != nil {
		return fmt.Errorf("failed to encode alert: %w", err)
	}

	token := n.publisher.Publish(n.topic, n.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to topic %s: %w", n.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish alert to topic %s: %w", n.topic, err)
	}
	return nil
}
