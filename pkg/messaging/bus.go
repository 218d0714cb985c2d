// Package messaging provides the redis-backed work queue used in
// service mode: transcode requests arrive on a shared request channel
// and results are published per request id.
package messaging

import (
	"context"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"github.com/hlspipe/hlspipe/pkg/config"
	"github.com/hlspipe/hlspipe/pkg/logger"
)

const (
	// RequestChannel carries JSON-encoded TranscodeRequest payloads.
	RequestChannel = "hlspipe:requests"
)

// ResultChannel is the per-request channel results are published to.
func ResultChannel(id string) string {
	return "hlspipe:result:" + id
}

// Bus is the subset of pub/sub operations the service needs; it exists
// so tests can substitute an in-memory implementation.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Channel() <-chan []byte
	Close() error
}

type redisBus struct {
	rc *redis.Client
}

// NewBus connects to redis and verifies the connection.
func NewBus(conf *config.Config) (Bus, error) {
	logger.Infow("connecting to redis work queue", "addr", conf.Redis.Address)
	rc := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Address,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "unable to connect to redis")
	}
	return &redisBus{rc: rc}, nil
}

func (b *redisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rc.Publish(ctx, channel, payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rc.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, errors.Wrapf(err, "subscribing to %s", channel)
	}

	sub := &redisSubscription{
		ps:  ps,
		out: make(chan []byte),
	}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- []byte(msg.Payload)
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *redisSubscription) Channel() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
