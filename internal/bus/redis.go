package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Handler receives a decoded inbound payload.
type Handler func(ctx context.Context, msg Inbound)

// Channel is the device-facing message channel: fire-and-forget publishes to
// topics, and subscriptions with at-most-once local delivery.
type Channel interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}

// Redis implements Channel over redis pub/sub.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

func NewRedis(rdb *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{rdb: rdb, logger: logger}
}

func (r *Redis) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	if err := r.rdb.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe decodes each message for the topic and hands it to h. Payloads
// that fail validation are logged and dropped; a malformed message must not
// take the subscription down.
func (r *Redis) Subscribe(ctx context.Context, topic string, h Handler) error {
	ps := r.rdb.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for m := range ps.Channel() {
			in, err := Decode(topic, []byte(m.Payload))
			if err != nil {
				r.logger.Warn("dropping malformed message", "topic", topic, "error", err)
				continue
			}
			h(ctx, in)
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, ps := range subs {
		ps.Close()
	}
	r.wg.Wait()
	return nil
}
