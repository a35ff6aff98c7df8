package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	careAuth "github.com/MrEthical07/careAuth"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultTopicPrefix       = "careauth/notice"
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2
	maxPayloadSize           = 64 << 10
)

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            byte          `yaml:"qos"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	TLS            bool          `yaml:"tls"`
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.TopicPrefix == "" {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.ClientID == "" {
		c.ClientID = "careauthd"
	}
	return c
}

func buildClientOptions(cfg MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// MQTTNotifier publishes notices to an MQTT broker.
type MQTTNotifier struct {
	client pahomqtt.Client
	cfg    MQTTConfig
}

var _ careAuth.Notifier = (*MQTTNotifier)(nil)

// DialMQTT connects to the broker described by cfg.
func DialMQTT(cfg MQTTConfig) (*MQTTNotifier, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker url is empty", ErrConnectionFailed)
	}
	cfg = cfg.withDefaults()
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: qos %d", ErrConnectionFailed, cfg.QoS)
	}

	client := pahomqtt.NewClient(buildClientOptions(cfg))
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return NewMQTTNotifier(client, cfg), nil
}

// NewMQTTNotifier wraps an already connected client.
func NewMQTTNotifier(client pahomqtt.Client, cfg MQTTConfig) *MQTTNotifier {
	return &MQTTNotifier{client: client, cfg: cfg.withDefaults()}
}

// Topic returns the topic a notice of kind is published to.
func (n *MQTTNotifier) Topic(kind careAuth.NoticeKind) string {
	return n.cfg.TopicPrefix + "/" + string(kind)
}

// Send publishes notice and waits for the broker acknowledgement, the publish
// timeout or ctx, whichever comes first.
func (n *MQTTNotifier) Send(ctx context.Context, notice careAuth.Notice) error {
	if notice.Kind == "" || (notice.Email == "" && notice.AccountID == "") {
		return ErrInvalidNotice
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !n.client.IsConnected() {
		return ErrNotConnected
	}

	token := n.client.Publish(n.Topic(notice.Kind), n.cfg.QoS, false, payload)
	timer := time.NewTimer(n.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, n.cfg.PublishTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublishFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// HealthCheck reports whether the broker connection is up.
func (n *MQTTNotifier) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}
	if !n.client.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() error {
	if n == nil || n.client == nil {
		return nil
	}
	n.client.Disconnect(defaultDisconnectQuiesce)
	return nil
}
