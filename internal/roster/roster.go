// Package roster maintains the list of peers a user can message, with presence.
package roster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/live"
	"dm-service/internal/models"
	"dm-service/internal/realtime"
)

// Entry is one peer as shown in the roster.
type Entry struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Email       string     `json:"email"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Lister is the slice of the profile store the roster reads from.
type Lister interface {
	ListProfiles(ctx context.Context, excludeUserID string) ([]models.Profile, error)
}

// Subscriber delivers profile changes.
type Subscriber interface {
	SubscribeToProfileChanges(ctx context.Context, onChange func(live.ProfileEvent)) (*realtime.Subscription, error)
	Unsubscribe(sub *realtime.Subscription)
}

// Fetch lists every profile except selfID as roster entries.
func Fetch(ctx context.Context, profiles Lister, selfID string) ([]Entry, error) {
	list, err := profiles.ListProfiles(ctx, selfID)
	if err != nil {
		return nil, apperrors.Transport("list profiles", err)
	}
	entries := make([]Entry, 0, len(list))
	for _, p := range list {
		if p.ID == selfID {
			continue
		}
		entries = append(entries, Entry{
			UserID:      p.ID,
			DisplayName: p.DisplayName(),
			Email:       p.Email,
			Online:      p.OnlineStatus,
			LastSeen:    p.LastSeen,
		})
	}
	return entries, nil
}

// Roster keeps a live snapshot for one user. Every profile change triggers a
// full re-fetch, so the snapshot always reflects a single read.
type Roster struct {
	selfID   string
	profiles Lister
	bridge   Subscriber
	onUpdate func([]Entry)
	onError  func(error)
	logger   *zap.Logger

	// fetchMu orders fetch+publish so a slow read cannot overwrite a newer one.
	fetchMu sync.Mutex

	mu      sync.Mutex
	entries []Entry
	sub     *realtime.Subscription
	ctx     context.Context
}

// New creates a roster for selfID. onUpdate receives each new snapshot and
// onError each failed refresh; either may be nil.
func New(selfID string, profiles Lister, bridge Subscriber, onUpdate func([]Entry), onError func(error), logger *zap.Logger) *Roster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if onUpdate == nil {
		onUpdate = func([]Entry) {}
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Roster{
		selfID:   selfID,
		profiles: profiles,
		bridge:   bridge,
		onUpdate: onUpdate,
		onError:  onError,
		logger:   logger.With(zap.String("component", "roster"), zap.String("user_id", selfID)),
	}
}

// Start subscribes to profile changes and then performs the initial fetch.
func (r *Roster) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	sub, err := r.bridge.SubscribeToProfileChanges(ctx, func(live.ProfileEvent) {
		r.refresh()
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	entries, err := Fetch(ctx, r.profiles, r.selfID)
	if err != nil {
		return err
	}
	r.publish(entries)
	return nil
}

// Entries returns the latest snapshot.
func (r *Roster) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// OnlineCount counts online peers in the latest snapshot.
func (r *Roster) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Online {
			n++
		}
	}
	return n
}

// Close stops listening for profile changes.
func (r *Roster) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	r.bridge.Unsubscribe(sub)
}

func (r *Roster) refresh() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	entries, err := Fetch(ctx, r.profiles, r.selfID)
	if err != nil {
		r.logger.Warn("roster refresh failed", zap.Error(err))
		r.onError(err)
		return
	}
	r.publish(entries)
}

func (r *Roster) publish(entries []Entry) {
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	r.onUpdate(entries)
}
