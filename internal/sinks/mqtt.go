package sinks

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"cardreader/internal/card/models"
	"cardreader/pkg/platform/sentinel"
)

// MQTTConfig holds broker settings. TLS is used when a CA or client
// certificate is configured.
type MQTTConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
	CACert      string `yaml:"ca_cert"`
	ClientCert  string `yaml:"client_cert"`
	ClientKey   string `yaml:"client_key"`
}

// MQTT publishes each event to <prefix>/inserted or <prefix>/removed.
type MQTT struct {
	client paho.Client
	prefix string
	qos    byte
	retain bool
	logger *slog.Logger
}

// NewMQTT builds the client; it does not connect. Call Connect before use.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("mqtt: host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cardreader"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "cardreader"
	}

	var broker string
	var tlsConfig *tls.Config
	if cfg.CACert != "" || cfg.ClientCert != "" {
		if cfg.Port == 0 {
			cfg.Port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)
		var err error
		tlsConfig, err = buildMQTTTLS(cfg)
		if err != nil {
			return nil, fmt.Errorf("mqtt: build tls config: %w", err)
		}
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	}

	m := &MQTT{
		prefix: cfg.TopicPrefix,
		qos:    cfg.QoS,
		retain: cfg.Retain,
		logger: logger,
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", "broker", broker, "error", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("mqtt connected", "broker", broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	m.client = paho.NewClient(opts)
	return m, nil
}

func newMQTTWithClient(client paho.Client, prefix string, logger *slog.Logger) *MQTT {
	return &MQTT{client: client, prefix: prefix, logger: logger}
}

func buildMQTTTLS(cfg MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// Connect waits for the first connection attempt, bounded by ctx. With
// connect-retry enabled paho keeps trying in the background after a timeout.
func (m *MQTT) Connect(ctx context.Context) error {
	token := m.client.Connect()
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the topic an event of the given mode is published to.
func (m *MQTT) Topic(mode string) string {
	return m.prefix + "/" + mode
}

func (m *MQTT) Send(ctx context.Context, ev models.Event, payload []byte) error {
	if !m.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt: %w", sentinel.ErrUnavailable)
	}
	token := m.client.Publish(m.Topic(topicSuffix(ev.Kind)), m.qos, m.retain, payload)
	if err := waitToken(ctx, token); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func topicSuffix(kind models.EventKind) string {
	if kind == models.CardInserted {
		return "inserted"
	}
	return "removed"
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
