// Package amqpintake bridges a RabbitMQ queue into the ingest pipeline.
// Every message is an envelope naming its event type; the pipeline decides
// acceptance, so the consumer never requeues a rejection.
package amqpintake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/points/pkg/points"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	submitTimeout        = 30 * time.Second
)

// Config describes the queue connection.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Envelope is the wire format carried on the queue.
type Envelope struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// Consumer drains a queue into an Ingestor.
type Consumer struct {
	config   Config
	logger   *zap.Logger
	ingestor *points.Ingestor

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects and declares the queue.
func New(config Config, ingestor *points.Ingestor, logger *zap.Logger) (*Consumer, error) {
	if config.URL == "" || config.Queue == "" {
		return nil, fmt.Errorf("amqp url and queue are required")
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 10
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		config:   config,
		logger:   logger,
		ingestor: ingestor,
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := consumer.connect(); err != nil {
		cancel()
		return nil, err
	}
	return consumer, nil
}

func (consumer *Consumer) connect() error {
	conn, err := amqp.Dial(consumer.config.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		consumer.config.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(consumer.config.Prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	consumer.mu.Lock()
	consumer.conn = conn
	consumer.channel = channel
	consumer.mu.Unlock()

	consumer.logger.Info("connected to amqp broker", zap.String("queue", consumer.config.Queue))
	go consumer.monitorConnection()
	return nil
}

func (consumer *Consumer) monitorConnection() {
	consumer.mu.RLock()
	conn := consumer.conn
	consumer.mu.RUnlock()
	if conn == nil {
		return
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error))
	select {
	case err := <-notifyClose:
		if err != nil {
			consumer.logger.Error("amqp connection closed unexpectedly", zap.Error(err))
			consumer.reconnect()
		}
	case <-consumer.ctx.Done():
	}
}

func (consumer *Consumer) reconnect() {
	consumer.closeTransport()
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		consumer.logger.Info("reconnecting to amqp broker", zap.Int("attempt", attempt))
		if err := consumer.connect(); err == nil {
			go func() {
				if err := consumer.Start(consumer.ctx); err != nil && consumer.ctx.Err() == nil {
					consumer.logger.Error("restart after reconnect failed", zap.Error(err))
				}
			}()
			return
		}
		select {
		case <-time.After(reconnectDelay * time.Duration(attempt)):
		case <-consumer.ctx.Done():
			return
		}
	}
	consumer.logger.Error("amqp reconnection attempts exhausted")
}

// Start consumes until the context ends.
func (consumer *Consumer) Start(ctx context.Context) error {
	consumer.mu.RLock()
	channel := consumer.channel
	consumer.mu.RUnlock()
	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}
	deliveries, err := channel.Consume(
		consumer.config.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	consumer.logger.Info("starting intake workers", zap.Int("workers", consumer.config.Workers))
	for i := 0; i < consumer.config.Workers; i++ {
		consumer.wg.Add(1)
		go consumer.worker(ctx, deliveries)
	}
	<-ctx.Done()
	consumer.wg.Wait()
	return nil
}

func (consumer *Consumer) worker(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer consumer.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				consumer.logger.Warn("delivery channel closed")
				return
			}
			consumer.processDelivery(ctx, delivery)
		}
	}
}

func (consumer *Consumer) processDelivery(ctx context.Context, delivery amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	var envelope Envelope
	if err := json.Unmarshal(delivery.Body, &envelope); err != nil {
		consumer.logger.Error("malformed intake envelope", zap.Error(err))
		_ = delivery.Nack(false, false)
		return
	}
	_, err := consumer.ingestor.Submit(ctx, envelope.EventType, envelope.Payload)
	switch {
	case err == nil:
		_ = delivery.Ack(false)
	case errors.Is(err, points.ErrEventRejected), errors.Is(err, points.ErrUnknownEventType):
		// The rejection is persisted with its reason; redelivery cannot fix it.
		_ = delivery.Ack(false)
	default:
		consumer.logger.Warn("intake submit failed, requeueing",
			zap.String("event_type", envelope.EventType),
			zap.Error(err),
		)
		_ = delivery.Nack(false, true)
	}
}

// Close stops the workers and tears down the connection.
func (consumer *Consumer) Close() {
	consumer.cancel()
	consumer.wg.Wait()
	consumer.closeTransport()
	consumer.logger.Info("intake consumer closed")
}

func (consumer *Consumer) closeTransport() {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if consumer.channel != nil {
		consumer.channel.Close()
		consumer.channel = nil
	}
	if consumer.conn != nil {
		consumer.conn.Close()
		consumer.conn = nil
	}
}
