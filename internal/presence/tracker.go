// Package presence writes online/offline transitions to the profile store.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/observability"
)

// Writer is the slice of the profile store the tracker needs.
type Writer interface {
	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
}

const (
	transitionConnect    = "connect"
	transitionSignOut    = "sign_out"
	transitionDisconnect = "disconnect"
)

// Tracker has no in-memory state machine: every call writes, and repeated
// writes are idempotent. It remembers the last timestamp of each online user
// so last_seen never moves backwards, and forgets it once they go offline.
type Tracker struct {
	store             Writer
	logger            *zap.Logger
	now               func() time.Time
	disconnectTimeout time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithDisconnectTimeout bounds the best-effort write made by Disconnect.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(t *Tracker) { t.disconnectTimeout = d }
}

// NewTracker builds a tracker with a 5s disconnect budget.
func NewTracker(store Writer, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		store:             store,
		logger:            logger.With(zap.String("component", "presence")),
		now:               time.Now,
		disconnectTimeout: 5 * time.Second,
		last:              make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect marks userID online.
func (t *Tracker) Connect(ctx context.Context, userID string) error {
	return t.write(ctx, userID, true, transitionConnect)
}

// SignOut marks userID offline and reports the outcome.
func (t *Tracker) SignOut(ctx context.Context, userID string) error {
	return t.write(ctx, userID, false, transitionSignOut)
}

// Disconnect marks userID offline on a best-effort basis. It runs detached
// from ctx cancellation, bounded by the disconnect timeout, and never fails.
func (t *Tracker) Disconnect(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.disconnectTimeout)
	defer cancel()
	if err := t.write(ctx, userID, false, transitionDisconnect); err != nil {
		t.logger.Debug("disconnect presence write dropped", zap.String("user_id", userID), zap.Error(err))
	}
}

func (t *Tracker) write(ctx context.Context, userID string, online bool, transition string) error {
	at := t.stamp(userID, online)
	if err := t.store.SetPresence(ctx, userID, online, at); err != nil {
		observability.IncPresenceWrite(transition, "error")
		return apperrors.Transport("presence "+transition, err)
	}
	observability.IncPresenceWrite(transition, "ok")
	t.logger.Debug("presence written",
		zap.String("user_id", userID),
		zap.Bool("online", online),
		zap.Time("last_seen", at))
	return nil
}

// stamp returns a write time no earlier than the user's previous one. Only
// online users are remembered; after going offline the store's own
// monotonic last_seen update takes over.
func (t *Tracker) stamp(userID string, online bool) time.Time {
	now := t.now().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[userID]; ok && now.Before(prev) {
		now = prev
	}
	if online {
		t.last[userID] = now
	} else {
		delete(t.last, userID)
	}
	return now
}
