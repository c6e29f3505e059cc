package publisher

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-json-experiment/json"

	"github.com/jgoulah/gridreport/internal/config"
)

// Summary is what the mirror publishes for each posted report
type Summary struct {
	Process  string             `json:"process"`
	CycleID  string             `json:"cycle_id"`
	PostedAt time.Time          `json:"posted_at"`
	URI      string             `json:"uri"`
	Text     string             `json:"text"`
	Values   map[string]float64 `json:"values,omitempty"`
}

// Mirror republishes post summaries to MQTT as retained messages so home
// automation can show the latest numbers
type Mirror struct {
	client      mqtt.Client
	topicPrefix string
}

const connectTimeout = 10 * time.Second

// NewMirror connects to the broker. It returns nil when the mirror is disabled.
func NewMirror(cfg config.MQTTConfig, password string) (*Mirror, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required when enabled")
	}

	opts := mqtt.NewClientOptions()
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts.AddBroker(broker)
	opts.SetClientID(orString(cfg.ClientID, "gridreport"))
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if password != "" {
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout + 5*time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}

	return &Mirror{
		client:      client,
		topicPrefix: orString(cfg.TopicPrefix, "gridreport"),
	}, nil
}

// Topic returns the topic a process publishes to
func (m *Mirror) Topic(process string) string {
	return strings.TrimRight(m.topicPrefix, "/") + "/" + process
}

// Publish sends s as a retained QoS 1 message
func (m *Mirror) Publish(s Summary) error {
	if m == nil || m.client == nil {
		return nil
	}

	payload, err := EncodeSummary(s)
	if err != nil {
		return err
	}

	token := m.client.Publish(m.Topic(s.Process), 1, true, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("publishing to %s: timed out", m.Topic(s.Process))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", m.Topic(s.Process), err)
	}
	return nil
}

// EncodeSummary renders the JSON payload
func EncodeSummary(s Summary) ([]byte, error) {
	s.PostedAt = s.PostedAt.UTC()
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	return payload, nil
}

// Close disconnects from the MQTT broker
func (m *Mirror) Close() {
	if m != nil && m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
