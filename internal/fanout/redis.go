package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Redis is a bus backed by Redis pub/sub, one channel per deployment.
type Redis struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
	pubsub  *redis.PubSub
	cancel  context.CancelFunc

	mu       sync.Mutex
	handlers []Handler
	closed   bool
}

// NewRedis connects to Redis and starts the subscription loop. The URL
// uses the redis:// scheme.
func NewRedis(ctx context.Context, url, channel string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client:  client,
		channel: channel,
		logger:  logger,
		pubsub:  client.Subscribe(loopCtx, channel),
		cancel:  cancel,
	}

	go r.receiveLoop(loopCtx)

	logger.Info("Connected to redis fanout",
		slog.String("channel", channel),
	)

	return r, nil
}

// Publish sends the event to every instance subscribed to the channel.
func (r *Redis) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal fanout event: %w", err)
	}

	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish fanout event: %w", err)
	}
	return nil
}

// Subscribe registers a handler for every future event.
func (r *Redis) Subscribe(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *Redis) receiveLoop(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("Dropping malformed fanout event",
					slog.String("error", err.Error()),
				)
				continue
			}

			r.mu.Lock()
			handlers := make([]Handler, len(r.handlers))
			copy(handlers, r.handlers)
			r.mu.Unlock()

			for _, h := range handlers {
				h(event)
			}
		}
	}
}

// Close stops the subscription loop and closes the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	_ = r.pubsub.Close()
	return r.client.Close()
}
