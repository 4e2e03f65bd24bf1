package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dm-service/internal/observability"
)

// Broker is the in-process channel registry. It is a complete Feed on its own
// (used by the in-memory substrate) and the fan-out stage behind PGFeed.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription // channel -> subID -> sub
	logger *zap.Logger
}

// NewBroker creates an empty broker. Pass nil logger for a no-op logger.
func NewBroker(logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		subs:   make(map[string]map[string]*Subscription),
		logger: logger.With(zap.String("component", "realtime")),
	}
}

// Subscribe registers fn on the filter's channel. The subscription is removed
// automatically when ctx is cancelled.
func (b *Broker) Subscribe(ctx context.Context, filter Filter, fn Handler) (*Subscription, error) {
	sub, _ := b.add(filter, fn)
	b.watch(ctx, sub, b.Unsubscribe)
	return sub, nil
}

// Unsubscribe tears the subscription down; queued changes are discarded.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.remove(sub)
}

// Publish queues change on every subscription of channel and returns how many
// subscribers received it.
func (b *Broker) Publish(channel string, change Change) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs[channel] {
		if sub.enqueue(change) {
			delivered++
		}
	}
	observability.IncRealtimeNotification(change.Table)
	return delivered
}

// Subscribers reports the number of live subscriptions on channel.
func (b *Broker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close stops every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subs {
		for id, sub := range subs {
			sub.stop()
			delete(subs, id)
		}
		delete(b.subs, channel)
	}
}

// add registers a subscription and reports whether it is the first on its channel.
func (b *Broker) add(filter Filter, fn Handler) (*Subscription, bool) {
	channel := filter.Channel()
	sub := newSubscription(uuid.NewString(), channel, fn)

	b.mu.Lock()
	subs, ok := b.subs[channel]
	if !ok {
		subs = make(map[string]*Subscription)
		b.subs[channel] = subs
	}
	subs[sub.id] = sub
	first := len(subs) == 1
	b.mu.Unlock()

	b.logger.Debug("subscriber added", zap.String("channel", channel), zap.String("sub_id", sub.id))
	return sub, first
}

// remove unregisters a subscription and reports whether its channel is now empty.
func (b *Broker) remove(sub *Subscription) bool {
	sub.stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[sub.channel]
	if !ok {
		return false
	}
	if _, exists := subs[sub.id]; !exists {
		return false
	}
	delete(subs, sub.id)
	last := len(subs) == 0
	if last {
		delete(b.subs, sub.channel)
	}
	b.logger.Debug("subscriber removed", zap.String("channel", sub.channel), zap.String("sub_id", sub.id))
	return last
}

func (b *Broker) watch(ctx context.Context, sub *Subscription, unsubscribe func(*Subscription)) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			unsubscribe(sub)
		case <-sub.Done():
		}
	}()
}
