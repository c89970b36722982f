package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultChannel is the Pub/Sub channel sibling instances share.
const DefaultChannel = "tiercache:sync"

// PubSubClient is the subset of the go-redis client the bus uses.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBus broadcasts messages over Redis Pub/Sub.
type RedisBus struct {
	client  PubSubClient
	channel string
	logger  *zap.Logger
	closed  atomic.Bool

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
	wg   sync.WaitGroup
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus creates a bus on channel, or DefaultChannel when empty.
func NewRedisBus(client PubSubClient, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  logger,
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

// Publish sends msg to every subscriber of the channel.
func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe waits until the subscription is confirmed, then calls h for
// every valid message received.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (func(), error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	ch := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for m := range ch {
			msg, err := Decode([]byte(m.Payload))
			if err != nil {
				b.logger.Debug("Dropped malformed sync message",
					zap.String("channel", m.Channel),
					zap.Error(err))
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.release(ps) })
	}, nil
}

func (b *RedisBus) release(ps *redis.PubSub) {
	b.mu.Lock()
	_, ok := b.subs[ps]
	delete(b.subs, ps)
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := ps.Close(); err != nil {
		b.logger.Debug("Failed to close subscription", zap.Error(err))
	}
}

// Close ends every subscription. The client belongs to the caller.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*redis.PubSub, 0, len(b.subs))
	for ps := range b.subs {
		subs = append(subs, ps)
	}
	b.mu.Unlock()
	for _, ps := range subs {
		b.release(ps)
	}
	b.wg.Wait()
	return nil
}
