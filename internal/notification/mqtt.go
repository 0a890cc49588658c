package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/aquamans/pondwatch/internal/protocol"
	"github.com/aquamans/pondwatch/pkg/config"
)

// MQTTEmitter publishes alerts to an MQTT broker on site
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	connected bool
	published uint64
	errors    uint64
}

// NewMQTTEmitter creates an emitter; call Connect before publishing.
func NewMQTTEmitter(cfg config.MQTTConfig, log zerolog.Logger) *MQTTEmitter {
	return &MQTTEmitter{cfg: cfg, log: log.With().Str("component", "mqtt").Logger()}
}

// Connect establishes connection to the broker
func (e *MQTTEmitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", e.cfg.Broker, e.cfg.Port))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.log.Info().Str("broker", e.cfg.Broker).Str("client_id", e.cfg.ClientID).Msg("mqtt connection established")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.log.Warn().Err(err).Str("broker", e.cfg.Broker).Msg("mqtt connection lost, will auto-reconnect")
	}

	e.client = mqtt.NewClient(opts)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// PublishAlert implements ingest.AlertSink
func (e *MQTTEmitter) PublishAlert(_ context.Context, alert *protocol.DeadFishAlert) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := protocol.EncodeDeadFishAlert(alert)
	if err != nil {
		e.countError()
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	token := e.client.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.log.Debug().Str("topic", e.cfg.Topic).Int("size", len(payload)).Msg("alert published")
	return nil
}

// Disconnect closes the broker connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
	}
	e.setConnected(false)
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.client != nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
