package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTBackend carries channels as MQTT topics. Sessions are clean, so the
// topic set is re-subscribed from the OnConnect handler after every reconnect.
type MQTTBackend struct {
	brokerURL string
	clientID  string
	qos       byte
	logger    *zap.Logger

	mu        sync.Mutex
	client    mqtt.Client
	ctx       context.Context
	deliver   DeliverFunc
	topics    map[string]struct{}
	connected bool
}

// NewMQTTBackend creates a backend for brokerURL (e.g. tcp://localhost:1883).
func NewMQTTBackend(brokerURL, clientID string, qos byte, logger *zap.Logger) *MQTTBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTBackend{
		brokerURL: brokerURL,
		clientID:  clientID,
		qos:       qos,
		logger:    logger,
		topics:    make(map[string]struct{}),
	}
}

func (b *MQTTBackend) Name() string { return "mqtt" }

func (b *MQTTBackend) Start(ctx context.Context, deliver DeliverFunc, onReconnect func()) error {
	b.mu.Lock()
	b.ctx = ctx
	b.deliver = deliver
	b.mu.Unlock()

	opts := mqtt.NewClientOptions().
		AddBroker(b.brokerURL).
		SetClientID(b.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			b.mu.Lock()
			reconnect := b.connected
			b.connected = true
			topics := make([]string, 0, len(b.topics))
			for t := range b.topics {
				topics = append(topics, t)
			}
			b.mu.Unlock()

			for _, topic := range topics {
				c.Subscribe(topic, b.qos, b.onMessage)
			}
			if reconnect && onReconnect != nil {
				onReconnect()
			}
		})

	client := mqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.logger.Warn("MQTT broker not reachable yet, connecting in background", zap.String("broker", b.brokerURL))
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (b *MQTTBackend) onMessage(_ mqtt.Client, m mqtt.Message) {
	b.mu.Lock()
	ctx, deliver := b.ctx, b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(ctx, m.Topic(), m.Payload())
	}
}

func (b *MQTTBackend) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	if _, ok := b.topics[channel]; ok {
		b.mu.Unlock()
		return nil
	}
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt backend not started")
	}

	if err := waitToken(ctx, client.Subscribe(channel, b.qos, b.onMessage)); err != nil {
		return err
	}

	b.mu.Lock()
	b.topics[channel] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *MQTTBackend) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	if _, ok := b.topics[channel]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.topics, channel)
	client := b.client
	b.mu.Unlock()

	return waitToken(ctx, client.Unsubscribe(channel))
}

func (b *MQTTBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt backend not started")
	}
	return waitToken(ctx, client.Publish(channel, b.qos, false, payload))
}

func (b *MQTTBackend) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.topics = make(map[string]struct{})
	b.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
