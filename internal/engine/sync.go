package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"goflare.io/tiercache/internal/broadcast"
	"goflare.io/tiercache/internal/models"
	"goflare.io/tiercache/internal/tier"
)

func (e *Engine) publish(ctx context.Context, msg broadcast.Message) {
	if e.bus == nil {
		return
	}
	msg.Origin = e.origin
	if err := e.bus.Publish(ctx, msg); err != nil {
		e.stats.SyncDropped()
		e.logger.Debug("Failed to publish sync message",
			zap.String("kind", string(msg.Kind)),
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return
	}
	e.stats.SyncSent()
}

// publishStore announces a write to tier t. Entries above the payload limit
// travel without a body.
func (e *Engine) publishStore(ctx context.Context, t tier.Name, entry *models.Entry) {
	if e.bus == nil {
		return
	}
	msg := broadcast.Message{
		Kind:     broadcast.KindStore,
		Key:      entry.Key,
		StoredAt: entry.StoredAt,
		Tier:     t,
		Entry:    entry,
	}
	if e.syncMaxPayload > 0 && entry.SizeBytes > e.syncMaxPayload {
		msg.Entry = nil
	}
	e.publish(ctx, msg)
}

// apply handles a message from the bus. Only process-local tiers are
// touched; the shared tier is already consistent.
func (e *Engine) apply(msg broadcast.Message) {
	if msg.Origin == e.origin {
		return
	}
	if !e.acquire() {
		return
	}
	defer e.release()

	ctx := e.bgCtx
	var err error
	switch msg.Kind {
	case broadcast.KindStore:
		err = e.applyStore(ctx, msg)
	case broadcast.KindInvalidate:
		err = e.applyInvalidate(ctx, msg.Key)
	case broadcast.KindClear:
		err = e.applyClear(ctx, msg.Tier)
	default:
		err = errors.New("unknown message kind")
	}
	if err != nil {
		e.stats.SyncDropped()
		e.logger.Debug("Dropped sync message",
			zap.String("kind", string(msg.Kind)),
			zap.String("origin", msg.Origin),
			zap.String("key", string(msg.Key)),
			zap.Error(err))
		return
	}
	e.stats.SyncApplied()
}

func (e *Engine) localTier(name tier.Name) (tier.Tier, bool) {
	if !tier.IsProcessLocal(name) {
		return nil, false
	}
	t, ok := e.tiers.Get(name)
	if !ok || !t.Available() {
		return nil, false
	}
	return t, true
}

// applyStore installs a sibling's entry unless this instance already holds
// the same or a newer version.
func (e *Engine) applyStore(ctx context.Context, msg broadcast.Message) (err error) {
	t, ok := e.localTier(msg.Tier)
	if !ok {
		return nil
	}
	e.keys.write(msg.Key, func() { err = e.installSibling(ctx, t, msg) })
	return err
}

func (e *Engine) installSibling(ctx context.Context, t tier.Tier, msg broadcast.Message) error {
	current, held, err := e.peek(ctx, t, msg.Key)
	if err != nil {
		return err
	}
	if held && !current.StoredAt.Before(msg.StoredAt) {
		return nil
	}

	if msg.Entry == nil {
		if held {
			return t.Delete(ctx, msg.Key)
		}
		return nil
	}
	if msg.Entry.IsExpired(e.clock.Now()) {
		return nil
	}
	if err := e.eviction.Store(ctx, t, msg.Entry); err != nil {
		if errors.Is(err, models.ErrCapacity) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) peek(ctx context.Context, t tier.Tier, key models.Key) (models.Meta, bool, error) {
	if p, ok := t.(tier.Peeker); ok {
		return p.Peek(ctx, key)
	}
	entry, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return models.Meta{}, false, err
	}
	return entry.Meta(), true, nil
}

func (e *Engine) applyInvalidate(ctx context.Context, key models.Key) error {
	var errs []error
	e.keys.write(key, func() {
		for _, name := range []tier.Name{tier.Volatile, tier.Persistent} {
			if t, ok := e.localTier(name); ok {
				errs = append(errs, t.Delete(ctx, key))
			}
		}
	})
	e.stats.Forget(key)
	return errors.Join(errs...)
}

func (e *Engine) applyClear(ctx context.Context, name tier.Name) error {
	names := []tier.Name{tier.Volatile, tier.Persistent}
	if name != "" {
		names = []tier.Name{name}
	}
	var errs []error
	for _, n := range names {
		if t, ok := e.localTier(n); ok {
			errs = append(errs, t.Clear(ctx))
		}
	}
	return errors.Join(errs...)
}
