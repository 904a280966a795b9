// Package relay carries conversation events between chathub nodes over
// Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"chathub/internal/chat"
)

// Redis publishes envelopes on one pub/sub channel and feeds envelopes
// published by other nodes back into the local dispatcher.
type Redis struct {
	client  *redis.Client
	channel string
}

// Ensure interface compliance at compile time
var _ chat.Relay = (*Redis)(nil)

// NewRedis connects to url and verifies the server answers.
func NewRedis(ctx context.Context, url, channel string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis: REDIS_URL is not set")
	}
	if channel == "" {
		return nil, errors.New("redis: relay channel is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &Redis{client: c, channel: channel}, nil
}

// Publish sends env to every subscribed node, this one included.
func (r *Redis) Publish(ctx context.Context, env chat.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis: encode envelope: %w", err)
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe calls handle for every envelope received until the returned
// unsubscribe function is called or ctx ends.
func (r *Redis) Subscribe(ctx context.Context, handle func(chat.Envelope)) (func() error, error) {
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", r.channel, err)
	}

	var (
		once     sync.Once
		closeErr error
	)
	stop := func() error {
		once.Do(func() { closeErr = ps.Close() })
		return closeErr
	}

	messages := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				_ = stop()
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var env chat.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					log.Printf("[Relay] ⚠️ Dropping malformed envelope on %s: %v", r.channel, err)
					continue
				}
				handle(env)
			}
		}
	}()

	return func() error {
		err := stop()
		<-done
		return err
	}, nil
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client and every subscription made through it.
func (r *Redis) Close() error {
	return r.client.Close()
}
