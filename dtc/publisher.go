package dtc

import (
	"context"
	"encoding/json"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pion/logging"
)

// PublisherConfig holds the MQTT endpoint and topics used to export codes to
// a fleet backend.
type PublisherConfig struct {
	Broker   string
	ClientID string
	Topic    string

	// EventTopic receives individual confirmations; defaults to Topic+"/dtc".
	EventTopic string

	// Interval between periodic active-set publications.
	Interval time.Duration

	LoggerFactory logging.LoggerFactory
}

// DefaultPublisherConfig publishes the active set every 10 seconds.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Broker:        "tcp://localhost:1883",
		ClientID:      "canstack",
		Topic:         "vehicle/dtc",
		Interval:      10 * time.Second,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	}
}

// Publisher pushes registry contents to an MQTT broker: the full active set
// periodically, plus one message per confirmation.
type Publisher struct {
	cfg    PublisherConfig
	client mqtt.Client
	log    logging.LeveledLogger
}

// NewPublisher builds a publisher; Connect must be called before use.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.EventTopic == "" {
		cfg.EventTopic = cfg.Topic + "/dtc"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Publisher{cfg: cfg, log: cfg.LoggerFactory.NewLogger("dtc-mqtt")}
}

// Connect establishes the broker session with automatic reconnect.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.Broker)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		p.log.Infof("connected to broker %s", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.log.Warnf("broker connection lost: %v", err)
	})

	p.client = mqtt.NewClient(opts)
	if token := p.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Run publishes the registry's active set at the configured interval until
// ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, registry *Registry) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishActive(registry)
		}
	}
}

func (p *Publisher) publishActive(registry *Registry) {
	active := registry.Active()
	data, err := json.Marshal(active)
	if err != nil {
		p.log.Errorf("marshal active set: %v", err)
		return
	}
	token := p.client.Publish(p.cfg.Topic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		p.log.Warnf("publish active set: %v", token.Error())
	}
}

// PublishCode publishes a single record to the event topic. Safe to use as a
// RegistryConfig.OnConfirmed hook.
func (p *Publisher) PublishCode(rec Record) {
	if p.client == nil || !p.client.IsConnected() {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Errorf("marshal record: %v", err)
		return
	}
	token := p.client.Publish(p.cfg.EventTopic, 0, false, data)
	if token.Wait() && token.Error() != nil {
		p.log.Warnf("publish %s: %v", rec.Code, token.Error())
	}
}

// Disconnect closes the broker session.
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
