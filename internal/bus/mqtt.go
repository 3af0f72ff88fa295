package bus

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher delivers hazard payloads to external subscribers.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Nop is a Publisher that drops everything, used when no broker is
// configured.
type Nop struct{}

func (Nop) Publish(string, byte, []byte) error { return nil }

// MQTT wraps a paho client. A broker outage degrades publishing; it never
// takes the detection pipeline down with it.
type MQTT struct {
	client mqtt.Client
	log    *slog.Logger
}

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// New connects to the broker. Auto-reconnect is left on so a bounced
// broker picks back up without intervention.
func New(cfg Config, log *slog.Logger) (*MQTT, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(5 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info("mqtt connected", "broker", cfg.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("bus: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &MQTT{client: client, log: log}, nil
}

// Publish sends one message at the given QoS level.
func (m *MQTT) Publish(topic string, qos byte, payload []byte) error {
	token := m.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("bus: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
