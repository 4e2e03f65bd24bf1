package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const pingInterval = 90 * time.Second

// listener is the subset of *pq.Listener the feed drives.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	Ping() error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PGFeed turns Postgres NOTIFY traffic into subscription deliveries. One
// LISTEN is held per channel for as long as it has at least one subscriber.
type PGFeed struct {
	listener listener
	broker   *Broker
	logger   *zap.Logger

	mu sync.Mutex // serializes LISTEN/UNLISTEN against registry changes
}

// NewPGFeed creates a feed backed by a dedicated pq.Listener connection.
func NewPGFeed(dsn string, minReconnect, maxReconnect time.Duration, logger *zap.Logger) *PGFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "pgfeed"))
	l := pq.NewListener(dsn, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("listener connection attempt failed", zap.Error(err))
		case pq.ListenerEventDisconnected:
			logger.Warn("listener disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			logger.Info("listener reconnected")
		}
	})
	return newPGFeed(l, logger)
}

func newPGFeed(l listener, logger *zap.Logger) *PGFeed {
	return &PGFeed{listener: l, broker: NewBroker(logger), logger: logger}
}

// Subscribe starts listening on the filter's channel if nobody else is.
func (f *PGFeed) Subscribe(ctx context.Context, filter Filter, fn Handler) (*Subscription, error) {
	f.mu.Lock()
	sub, first := f.broker.add(filter, fn)
	if first {
		if err := f.listener.Listen(sub.channel); err != nil && !errors.Is(err, pq.ErrChannelAlreadyOpen) {
			f.broker.remove(sub)
			f.mu.Unlock()
			return nil, err
		}
	}
	f.mu.Unlock()

	f.broker.watch(ctx, sub, f.Unsubscribe)
	return sub, nil
}

// Unsubscribe tears the subscription down and drops the LISTEN when it was the last one.
func (f *PGFeed) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.broker.remove(sub) {
		return
	}
	if err := f.listener.Unlisten(sub.channel); err != nil && !errors.Is(err, pq.ErrChannelNotOpen) {
		f.logger.Warn("unlisten failed", zap.String("channel", sub.channel), zap.Error(err))
	}
}

// Run pumps notifications until ctx is done, then closes the listener.
func (f *PGFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.broker.Close()
			if err := f.listener.Close(); err != nil {
				f.logger.Warn("listener close failed", zap.Error(err))
			}
			return nil
		case n := <-f.listener.NotificationChannel():
			if n == nil {
				// Sent after a reconnect: anything emitted while down is lost.
				f.logger.Warn("listener connection re-established, notifications may have been missed")
				continue
			}
			f.dispatch(n)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Debug("listener ping failed", zap.Error(err))
				}
			}()
		}
	}
}

func (f *PGFeed) dispatch(n *pq.Notification) {
	var change Change
	if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
		f.logger.Warn("malformed notification", zap.String("channel", n.Channel), zap.Error(err))
		return
	}
	f.broker.Publish(n.Channel, change)
}
