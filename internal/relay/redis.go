package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis relays payloads over Redis pub/sub.
type Redis struct {
	client *redis.Client
	log    *zap.Logger
}

// NewRedis connects to the server at rawURL and checks it answers.
func NewRedis(ctx context.Context, rawURL string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opts.Addr)
	}
	return &Redis{client: client, log: log.Named("relay.redis")}, nil
}

// Publish sends payload to every subscriber of topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", topic)
	}
	return nil
}

// Subscribe streams payloads published on topic until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, errors.Wrapf(err, "redis subscribe %s", topic)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			if err := pubsub.Close(); err != nil {
				r.log.Debug("close subscription", zap.Error(err))
			}
		}()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
