// Package session is the per-connection facade that wires conversation
// resolution, the message timeline, live events, presence and the roster
// together for one signed-in user.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"dm-service/internal/apperrors"
	"dm-service/internal/conversation"
	"dm-service/internal/live"
	"dm-service/internal/models"
	"dm-service/internal/presence"
	"dm-service/internal/realtime"
	"dm-service/internal/repositories"
	"dm-service/internal/roster"
	"dm-service/internal/timeline"
)

const (
	EventTimeline = "timeline"
	EventMessage  = "message"
	EventRoster   = "roster"
	EventError    = "error"
)

// ErrEnded is returned by commands issued after End or Disconnect.
var ErrEnded = errors.New("session ended")

// Event is pushed to the presentation layer.
type Event struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	PeerID         string           `json:"peer_id,omitempty"`
	Messages       []models.Message `json:"messages,omitempty"`
	Message        *models.Message  `json:"message,omitempty"`
	Roster         []roster.Entry   `json:"roster,omitempty"`
	OnlineCount    int              `json:"online_count,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// ErrorEvent converts err into an error event.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Kind: apperrors.Kind(err), Error: err.Error()}
}

// Sink receives events in order. It is called with the session's emit lock
// held and must not call back into the session.
type Sink func(Event)

// SignOuter revokes the caller's auth session.
type SignOuter interface {
	SignOut(ctx context.Context, token string) error
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Conversations repositories.ConversationRepository
	Messages      repositories.MessageRepository
	Profiles      repositories.ProfileRepository
	Feed          realtime.Feed
	Presence      *presence.Tracker
	Auth          SignOuter
	Logger        *zap.Logger
}

// Session is safe for concurrent use. Peer selections are serialized and a
// new selection cancels the one in flight.
type Session struct {
	identity models.Identity
	sink     Sink
	logger   *zap.Logger

	profiles repositories.ProfileRepository
	presence *presence.Tracker
	auth     SignOuter

	resolver *conversation.Resolver
	timeline *timeline.Timeline
	bridge   *live.Bridge
	roster   *roster.Roster

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	cancelSelection context.CancelFunc
	peerID          string
	ended           bool

	selectMu sync.Mutex

	emitMu sync.Mutex
	loaded string // conversation whose timeline event has been emitted
}

// New builds a session for identity. Nothing touches the network until Start.
func New(identity models.Identity, deps Deps, sink Sink) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", identity.UserID))
	if sink == nil {
		sink = func(Event) {}
	}

	s := &Session{
		identity: identity,
		sink:     sink,
		logger:   logger,
		profiles: deps.Profiles,
		presence: deps.Presence,
		auth:     deps.Auth,
		resolver: conversation.NewResolver(deps.Conversations, logger),
		timeline: timeline.New(deps.Messages, logger),
		bridge:   live.NewBridge(deps.Feed, deps.Messages, deps.Profiles, logger),
	}
	s.roster = roster.New(identity.UserID, deps.Profiles, s.bridge, s.onRoster, s.onAsyncError, logger)
	return s
}

// UserID is the signed-in user.
func (s *Session) UserID() string { return s.identity.UserID }

// Start registers the profile, marks the user online and starts the roster.
// Live subscriptions stay bound to ctx until End or Disconnect.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrEnded
	}
	if s.cancel == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	base := s.ctx
	s.mu.Unlock()

	if err := s.profiles.EnsureProfile(ctx, s.identity); err != nil {
		return apperrors.Transport("ensure profile", err)
	}
	if err := s.presence.Connect(ctx, s.identity.UserID); err != nil {
		return err
	}
	if err := s.roster.Start(base); err != nil {
		return err
	}
	s.logger.Info("session started")
	return nil
}

// SelectPeer opens the conversation with peerID: resolve, subscribe, load.
// The subscription is established before the history read so no insert can
// fall between the two. If subscribing fails the history snapshot is still
// shown and the subscription error is returned; selecting the peer again
// retries. If resolving fails the previous conversation is closed.
func (s *Session) SelectPeer(ctx context.Context, peerID string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return ErrEnded
	}
	if s.ctx == nil {
		s.mu.Unlock()
		return apperrors.Validation("session not started")
	}
	if s.cancelSelection != nil {
		s.cancelSelection()
	}
	selCtx, cancel := context.WithCancel(s.ctx)
	s.cancelSelection = cancel
	s.mu.Unlock()

	s.selectMu.Lock()
	defer s.selectMu.Unlock()
	if selCtx.Err() != nil {
		// Superseded before it started.
		return nil
	}

	opCtx, opCancel := context.WithCancel(selCtx)
	defer opCancel()
	stop := context.AfterFunc(ctx, opCancel)
	defer stop()

	conversationID, err := s.resolver.Resolve(opCtx, s.identity.UserID, peerID)
	if err != nil {
		if selCtx.Err() == nil {
			s.closeConversation()
		}
		return s.selectionError(selCtx, err)
	}

	s.emitMu.Lock()
	s.loaded = ""
	s.timeline.Open(conversationID)
	s.emitMu.Unlock()

	_, subErr := s.bridge.SubscribeToConversation(selCtx, conversationID, s.onLiveMessage)
	if subErr != nil {
		if selCtx.Err() != nil {
			return s.selectionError(selCtx, subErr)
		}
		s.logger.Warn("conversation has no live feed", zap.String("conversation_id", conversationID), zap.Error(subErr))
	}

	if _, err := s.timeline.Load(opCtx); err != nil {
		if errors.Is(err, timeline.ErrStaleLoad) {
			return nil
		}
		if subErr != nil {
			err = errors.Join(subErr, err)
		}
		return s.selectionError(selCtx, err)
	}

	s.mu.Lock()
	s.peerID = peerID
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if selCtx.Err() != nil || s.timeline.ConversationID() != conversationID {
		return nil
	}
	s.loaded = conversationID
	s.sink(Event{
		Type:           EventTimeline,
		ConversationID: conversationID,
		PeerID:         peerID,
		Messages:       s.timeline.Messages(),
	})
	return subErr
}

// SendMessage appends text to the open conversation. It returns nil, a
// validation error, or a transport error.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if s.isEnded() {
		return ErrEnded
	}
	_, err := s.timeline.Append(ctx, s.identity.UserID, text)
	return err
}

// SetDraft stores the compose buffer of the open conversation.
func (s *Session) SetDraft(text string) {
	s.timeline.SetDraft(text)
}

// Draft returns the compose buffer.
func (s *Session) Draft() string {
	return s.timeline.Draft()
}

// Messages returns the open conversation's sequence.
func (s *Session) Messages() []models.Message {
	return s.timeline.Messages()
}

// Selection returns the selected peer and its conversation.
func (s *Session) Selection() (peerID, conversationID string) {
	s.mu.Lock()
	peerID = s.peerID
	s.mu.Unlock()
	return peerID, s.timeline.ConversationID()
}

// Roster returns the latest roster snapshot.
func (s *Session) Roster() []roster.Entry {
	return s.roster.Entries()
}

// OnlineCount counts online peers in the roster.
func (s *Session) OnlineCount() int {
	return s.roster.OnlineCount()
}

// End is a normal sign-out: presence goes offline, then the auth session is
// revoked. Both are awaited and their errors returned.
func (s *Session) End(ctx context.Context) error {
	if !s.teardown() {
		return ErrEnded
	}
	var errs []error
	if err := s.presence.SignOut(ctx, s.identity.UserID); err != nil {
		errs = append(errs, err)
	}
	if s.auth != nil {
		if err := s.auth.SignOut(ctx, s.identity.Token); err != nil {
			errs = append(errs, apperrors.Transport("auth sign out", err))
		}
	}
	s.logger.Info("session ended", zap.Bool("clean", len(errs) == 0))
	return errors.Join(errs...)
}

// Disconnect is an abnormal end: subscriptions are dropped and an offline
// write is attempted without reporting failures.
func (s *Session) Disconnect(ctx context.Context) {
	if !s.teardown() {
		return
	}
	s.presence.Disconnect(ctx, s.identity.UserID)
	s.logger.Info("session disconnected")
}

func (s *Session) teardown() bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	if s.cancelSelection != nil {
		s.cancelSelection()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.roster.Close()
	s.bridge.Close()
	return true
}

func (s *Session) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// closeConversation leaves the session with nothing selected.
func (s *Session) closeConversation() {
	s.bridge.CloseConversation()
	s.emitMu.Lock()
	s.loaded = ""
	s.timeline.Open("")
	s.emitMu.Unlock()
	s.mu.Lock()
	s.peerID = ""
	s.mu.Unlock()
}

func (s *Session) selectionError(selCtx context.Context, err error) error {
	if selCtx.Err() != nil && !s.isEnded() {
		// A newer selection took over; its outcome is what the user sees.
		return nil
	}
	return err
}

func (s *Session) onLiveMessage(msg models.Message) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.timeline.OnLiveMessage(msg) {
		return
	}
	if s.loaded != msg.ConversationID {
		return
	}
	m := msg
	s.sink(Event{Type: EventMessage, ConversationID: msg.ConversationID, Message: &m})
}

func (s *Session) onRoster(entries []roster.Entry) {
	online := 0
	for _, e := range entries {
		if e.Online {
			online++
		}
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink(Event{Type: EventRoster, Roster: entries, OnlineCount: online})
}

func (s *Session) onAsyncError(err error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.sink(ErrorEvent(err))
}
