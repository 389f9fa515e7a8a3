// Package mqtt provides an optional live publisher that forwards each
// collection cycle's batch result to an MQTT broker for display clients.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// Publisher publishes batch results to an MQTT broker. Publish failures
// are reported to the caller but are never fatal to a collection session.
type Publisher struct {
	config    Config
	client    pahomqtt.Client
	logger    zerolog.Logger
	connected atomic.Bool
	stats     PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Topic          string
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// PublisherStats tracks publish outcomes.
type PublisherStats struct {
	Published atomic.Uint64
	Failed    atomic.Uint64
}

// NewPublisher creates a new publisher. Connect must be called before
// PublishBatch.
func NewPublisher(config Config, logger zerolog.Logger) (*Publisher, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("%w: broker URL is required", domain.ErrInvalidConfig)
	}
	if config.ClientID == "" {
		config.ClientID = "modbus-recoder"
	}
	if config.Topic == "" {
		config.Topic = "modbus-recoder/batches"
	}
	if config.KeepAlive == 0 {
		config.KeepAlive = 30 * time.Second
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}

	return &Publisher{
		config: config,
		logger: logger.With().Str("component", "mqtt-publisher").Logger(),
	}, nil
}

// Connect establishes the broker connection.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions().
		AddBroker(p.config.BrokerURL).
		SetClientID(p.config.ClientID).
		SetUsername(p.config.Username).
		SetPassword(p.config.Password).
		SetKeepAlive(p.config.KeepAlive).
		SetConnectTimeout(p.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(pahomqtt.Client) {
			p.connected.Store(true)
			p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.connected.Store(false)
			p.logger.Warn().Err(err).Msg("MQTT connection lost")
		})

	p.client = pahomqtt.NewClient(opts)

	token := p.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrConnectionTimeout, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	p.connected.Store(true)
	return nil
}

// Disconnect closes the broker connection.
func (p *Publisher) Disconnect() {
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
	p.connected.Store(false)
}

// PublishBatch publishes one batch result as JSON.
func (p *Publisher) PublishBatch(ctx context.Context, batch *domain.BatchReadResult) error {
	if p.client == nil || !p.connected.Load() {
		return domain.ErrPublisherNotConnected
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	token := p.client.Publish(p.config.Topic, p.config.QoS, false, payload)
	if !token.WaitTimeout(p.config.PublishTimeout) {
		p.stats.Failed.Add(1)
		return fmt.Errorf("%w: publish timed out", domain.ErrPublishFailed)
	}
	if err := token.Error(); err != nil {
		p.stats.Failed.Add(1)
		return fmt.Errorf("%w: %v", domain.ErrPublishFailed, err)
	}

	p.stats.Published.Add(1)
	return nil
}

// HealthCheck reports broker connectivity.
func (p *Publisher) HealthCheck(_ context.Context) error {
	if p.client == nil || !p.client.IsConnected() {
		return domain.ErrPublisherNotConnected
	}
	return nil
}
