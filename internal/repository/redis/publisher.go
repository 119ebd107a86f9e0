// Package redis publishes scheduler events and report snapshots to Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/domain"
)

const (
	reportKey = "batchd:report"
	reportTTL = time.Minute
)

// Publisher wraps a Redis client for event fan-out.
type Publisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewPublisher creates a new Redis publisher and checks connectivity.
func NewPublisher(cfg config.RedisConfig, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Address()),
		zap.String("channel", cfg.Channel),
	)

	return &Publisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.With(zap.String("component", "redis")),
	}, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Health checks if Redis is reachable.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Publish publishes an event to the configured channel.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.Publish(ctx, p.channel, data).Err()
}

// Subscribe subscribes to the configured channel. The returned channel is
// closed when ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) <-chan *domain.Event {
	pubsub := p.client.Subscribe(ctx, p.channel)
	events := make(chan *domain.Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				event, err := decodeEvent(msg.Payload)
				if err != nil {
					p.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// StoreReport keeps the latest tick report under a well-known key so that
// external tools can read it without subscribing.
func (p *Publisher) StoreReport(ctx context.Context, report any) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return p.client.Set(ctx, reportKey, data, reportTTL).Err()
}

func decodeEvent(payload string) (*domain.Event, error) {
	var event domain.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: event without type", domain.ErrInvalidArgument)
	}
	return &event, nil
}
