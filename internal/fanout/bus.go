package fanout

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Message is one delivery from the shared bus.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is an active pattern subscription on the bus.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus is the publish/subscribe transport between server instances.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)
}

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an existing redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := b.rdb.PSubscribe(ctx, patterns...)
	// Force the subscription onto the wire before returning so callers
	// don't miss messages published right after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &redisSubscription{ps: ps, ch: make(chan Message, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Close() error { return s.ps.Close() }
