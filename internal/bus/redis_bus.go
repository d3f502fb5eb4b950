package bus

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/deeployd/forge/internal/logger"
)

// redisBus is a Redis pub/sub channel used as an optional cross-process
// backplane when more than one API process shares a host.
type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	cancel  context.CancelFunc
}

// NewRedisBus dials addr and verifies connectivity with a bounded ping.
func NewRedisBus(log *logger.Logger, addr, channel string) (Backplane, error) {
	if addr == "" {
		return nil, errors.New("bus: redis addr is required")
	}
	if channel == "" {
		channel = "forge.progress"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	return &redisBus{log: log.With("component", "RedisBackplane"), rdb: rdb, channel: channel}, nil
}

func (b *redisBus) Publish(event string) error {
	return b.rdb.Publish(context.Background(), b.channel, event).Err()
}

func (b *redisBus) Subscribe(onEvent func(event string)) error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				onEvent(msg.Payload)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	return b.rdb.Close()
}
