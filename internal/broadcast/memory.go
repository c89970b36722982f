package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const memoryBuffer = 256

// MemoryBus connects instances living in one process.
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[int]chan []byte
	next   int
	closed bool
	wg     sync.WaitGroup
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{logger: logger, subs: make(map[int]chan []byte)}
}

// Publish delivers msg to every subscriber without waiting for handlers.
// Subscribers whose buffer is full miss the message.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	for id, ch := range b.subs {
		select {
		case ch <- data:
		default:
			b.logger.Debug("Dropped sync message for slow subscriber",
				zap.Int("subscriber", id),
				zap.String("kind", string(msg.Kind)))
		}
	}
	return nil
}

// Subscribe calls h for every message published after it returns.
func (b *MemoryBus) Subscribe(_ context.Context, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	id := b.next
	b.next++
	ch := make(chan []byte, memoryBuffer)
	b.subs[id] = ch

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for data := range ch {
			msg, err := Decode(data)
			if err != nil {
				b.logger.Debug("Dropped malformed sync message", zap.Error(err))
				continue
			}
			h(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}, nil
}

// Close stops every subscriber and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
