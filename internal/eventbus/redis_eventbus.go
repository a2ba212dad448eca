package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedisEventBus implements EventBus using Redis pub/sub.
type RedisEventBus struct {
	client      *redis.Client
	logger      *zap.Logger
	subscribers map[string][]*redisSubscription
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type redisSubscription struct {
	id       string
	topic    string
	handler  EventHandler
	eventBus *RedisEventBus
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewRedisEventBus creates a new Redis-based event bus.
func NewRedisEventBus(addr, password string, db int, logger *zap.Logger) (*RedisEventBus, error) {
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisEventBus{
		client:      client,
		logger:      logger,
		subscribers: make(map[string][]*redisSubscription),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Publish publishes an event to a topic.
func (r *RedisEventBus) Publish(ctx context.Context, topic string, event interface{}) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result := r.client.Publish(ctx, topic, eventData)
	if result.Err() != nil {
		return fmt.Errorf("failed to publish event to Redis: %w", result.Err())
	}

	r.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.Int64("recipients", result.Val()))

	return nil
}

// PublishAsync publishes an event without blocking the caller.
func (r *RedisEventBus) PublishAsync(ctx context.Context, topic string, event interface{}) error {
	go func() {
		if err := r.Publish(r.ctx, topic, event); err != nil {
			r.logger.Error("Async event publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}()
	return nil
}

// Subscribe subscribes to events on a topic.
func (r *RedisEventBus) Subscribe(ctx context.Context, topic string, handler EventHandler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	subscription := &redisSubscription{
		id:       uuid.New().String(),
		topic:    topic,
		handler:  handler,
		eventBus: r,
		ctx:      subCtx,
		cancel:   cancel,
	}

	r.mutex.Lock()
	r.subscribers[topic] = append(r.subscribers[topic], subscription)
	r.mutex.Unlock()

	go r.listenForEvents(subscription)

	r.logger.Info("Subscription created",
		zap.String("subscription_id", subscription.id),
		zap.String("topic", topic))

	return subscription, nil
}

// Unsubscribe removes a subscription.
func (r *RedisEventBus) Unsubscribe(subscription Subscription) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if subscribers, exists := r.subscribers[subscription.Topic()]; exists {
		for i, sub := range subscribers {
			if sub.ID() == subscription.ID() {
				sub.cancel()
				r.subscribers[subscription.Topic()] = append(subscribers[:i], subscribers[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("subscription not found: %s", subscription.ID())
}

// Close closes the event bus and its Redis client.
func (r *RedisEventBus) Close() error {
	r.cancel()
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}
	r.logger.Info("Redis event bus closed")
	return nil
}

func (r *RedisEventBus) listenForEvents(subscription *redisSubscription) {
	pubsub := r.client.Subscribe(r.ctx, subscription.topic)
	defer pubsub.Close()

	ch := pubsub.Channel()

	for {
		select {
		case <-subscription.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Channel != subscription.topic {
				continue
			}
			if err := r.processEvent(subscription, msg.Payload); err != nil {
				r.logger.Error("Failed to process event",
					zap.String("subscription_id", subscription.id),
					zap.String("topic", subscription.topic),
					zap.Error(err))
			}
		}
	}
}

func (r *RedisEventBus) processEvent(subscription *redisSubscription, payload string) error {
	var eventData map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &eventData); err != nil {
		eventData = map[string]interface{}{"data": payload}
	}

	if err := subscription.handler(subscription.ctx, eventData); err != nil {
		return fmt.Errorf("handler failed: %w", err)
	}
	return nil
}

func (s *redisSubscription) ID() string    { return s.id }
func (s *redisSubscription) Topic() string { return s.topic }
func (s *redisSubscription) Unsubscribe() error {
	return s.eventBus.Unsubscribe(s)
}
