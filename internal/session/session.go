// Package session owns one signed-in user's sync state: the presence
// tracker, the conversation index, the roster feed and the open message
// streams. A Session is created at sign-in-completed and torn down at
// sign-out; nothing here is process-global.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/conversation"
	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/message"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/presence"
	"github.com/nexaie/chatsync/internal/retry"
)

// DefaultFreshness is how recent a user's lastActive must be for their
// online flag to be believed. Guards against sessions that died without
// writing offline (the roster-side half of the staleness story; the
// reaper is the store-side half).
const DefaultFreshness = 5 * time.Minute

const closeTimeout = 5 * time.Second

// Status is the coarse connection health derived from feed errors.
type Status int

const (
	StatusConnected Status = iota
	StatusReconnecting
)

func (s Status) String() string {
	if s == StatusReconnecting {
		return "reconnecting"
	}
	return "connected"
}

// Sink receives the session's view-model updates. Methods are invoked from
// the session's internal goroutines, possibly concurrently; implementations
// must be safe for that and must not call back into the Session.
type Sink interface {
	PresenceChanged([]model.PresenceSnapshot)
	ConversationsChanged([]conversation.Row)
	MessageAppended(conversationID string, m model.Message)
	MessageUpdated(conversationID string, m model.Message)
	StatusChanged(Status)
}

// Options tunes a Session. Zero values select the defaults.
type Options struct {
	TypingIdle time.Duration
	Retry      retry.Policy
	Freshness  time.Duration

	// Heartbeat, when set, is started with the session and stopped with
	// it. Optional: deployments without redis run without one.
	Heartbeat *presence.Heartbeat
}

// Session is the explicit per-sign-in context object.
type Session struct {
	gw     gateway.Gateway
	selfID string
	sink   Sink
	opts   Options

	tracker *presence.Tracker
	index   *conversation.Index
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	streams map[string]*message.Stream
	users   map[string]model.User
	status  Status
	closed  bool
}

// New starts a session for the signed-in user. The caller owns ctx; the
// session stops with it or with Close, whichever comes first.
func New(ctx context.Context, gw gateway.Gateway, selfID string, sink Sink, opts Options) (*Session, error) {
	if selfID == "" {
		return nil, model.Invalid("user", "missing user id")
	}
	if opts.Retry == nil {
		opts.Retry = retry.Fixed(3 * time.Second)
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		gw:      gw,
		selfID:  selfID,
		sink:    sink,
		opts:    opts,
		tracker: presence.New(gw, selfID, presence.Config{TypingIdle: opts.TypingIdle}),
		index:   conversation.New(gw, selfID, opts.Retry),
		ctx:     sessCtx,
		cancel:  cancel,
		streams: make(map[string]*message.Stream),
		users:   make(map[string]model.User),
		status:  Status(-1), // so the first real status is always reported
	}

	_ = s.tracker.MarkOnline(sessCtx) // advisory
	if opts.Heartbeat != nil {
		opts.Heartbeat.Start()
	}

	s.index.Subscribe(sessCtx, sink.ConversationsChanged)
	go s.watchRoster(sessCtx)

	return s, nil
}

// watchRoster keeps the users feed alive and derives presence snapshots
// and connection status from it.
func (s *Session) watchRoster(ctx context.Context) {
	q := gateway.Query{Collection: model.CollUsers}
	attempt := 0
	for {
		sub, err := s.gw.SubscribeQuery(ctx, q, s.applyRoster)
		if err != nil {
			log.Warn().Err(err).Str("user", s.selfID).Msg("session: roster subscribe failed")
			s.setStatus(StatusReconnecting)
			if retry.Wait(ctx, s.opts.Retry, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0
		s.setStatus(StatusConnected)

		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				log.Warn().Err(err).Str("user", s.selfID).Msg("session: roster feed dropped")
			} else if ctx.Err() == nil {
				return
			}
			s.setStatus(StatusReconnecting)
			if retry.Wait(ctx, s.opts.Retry, attempt) != nil {
				return
			}
			attempt++
		}
	}
}

func (s *Session) applyRoster(batch gateway.ChangeBatch) {
	var observed []model.User

	s.mu.Lock()
	for _, ch := range batch {
		switch ch.Kind {
		case gateway.Added, gateway.Modified:
			u := model.UserFromDoc(ch.Doc)
			s.users[u.ID] = u
			observed = append(observed, u)
		case gateway.Removed:
			delete(s.users, ch.Doc.ID)
		}
	}
	s.mu.Unlock()

	// Keep conversation rows carrying current peer presence.
	for _, u := range observed {
		if u.ID != s.selfID {
			s.index.ObserveUser(u)
		}
	}
	s.publishPresence()
}

func (s *Session) publishPresence() {
	now := time.Now().UTC()

	s.mu.Lock()
	snaps := make([]model.PresenceSnapshot, 0, len(s.users))
	for _, u := range s.users {
		if u.ID == s.selfID {
			continue
		}
		snaps = append(snaps, model.PresenceSnapshot{
			UserID:   u.ID,
			Username: u.Username,
			Online:   u.Online && now.Sub(u.LastActive) < s.opts.Freshness,
			Typing:   u.Typing,
			TypingIn: u.TypingIn,
			LastSeen: u.LastActive,
		})
	}
	s.mu.Unlock()

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Username != snaps[j].Username {
			return snaps[i].Username < snaps[j].Username
		}
		return snaps[i].UserID < snaps[j].UserID
	})
	s.sink.PresenceChanged(snaps)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st && !s.closed
	s.status = st
	s.mu.Unlock()

	if changed {
		s.sink.StatusChanged(st)
	}
}

// streamHandler forwards one conversation's log events to the sink and
// auto-acknowledges peer messages while the conversation is open.
type streamHandler struct {
	s      *Session
	convID string
}

func (h streamHandler) Appended(m model.Message) {
	h.s.sink.MessageAppended(h.convID, m)
	if m.SenderID != h.s.selfID && !m.Read {
		go h.s.ackRead(h.convID)
	}
}

func (h streamHandler) Updated(m model.Message) {
	h.s.sink.MessageUpdated(h.convID, m)
}

func (s *Session) ackRead(convID string) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.MarkRead(ctx, convID); err != nil {
		log.Warn().Err(err).Str("conversation", convID).Msg("session: read receipt failed")
	}
}

// OpenConversation resolves (or creates) the conversation with otherID and
// starts its message stream. Reopening an already-open conversation is a
// no-op returning the same conversation.
func (s *Session) OpenConversation(ctx context.Context, otherID string) (model.Conversation, error) {
	conv, err := s.index.FindOrCreateWith(ctx, otherID)
	if err != nil {
		return model.Conversation{}, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return model.Conversation{}, gateway.ErrClosed
	}
	if _, open := s.streams[conv.ID]; open {
		s.mu.Unlock()
		return conv, nil
	}
	st := message.New(s.gw, conv.ID, s.opts.Retry)
	s.streams[conv.ID] = st
	s.mu.Unlock()

	st.Subscribe(s.ctx, streamHandler{s: s, convID: conv.ID})
	return conv, nil
}

// CloseConversation stops the conversation's stream. Feed delivery for it
// ends; any pending typing-stop timer fires harmlessly.
func (s *Session) CloseConversation(conversationID string) {
	s.mu.Lock()
	st, ok := s.streams[conversationID]
	delete(s.streams, conversationID)
	s.mu.Unlock()

	if ok {
		st.Close()
	}
}

// SendMessage appends to an open conversation and synchronously reorders
// the listing so the conversation is on top before the feed echo lands.
func (s *Session) SendMessage(ctx context.Context, conversationID, text string) (model.Message, error) {
	s.mu.Lock()
	st, ok := s.streams[conversationID]
	s.mu.Unlock()
	if !ok {
		return model.Message{}, model.Invalid("conversation", "not open")
	}

	msg, err := st.Send(ctx, s.selfID, text)
	if err != nil {
		return model.Message{}, err
	}

	s.index.Touch(conversationID, model.LastMessage{
		Text:      msg.Text,
		SenderID:  s.selfID,
		Timestamp: time.Now().UTC(), // provisional; feed echo carries the server time
	})
	return msg, nil
}

// MarkRead acknowledges the peer's messages in an open conversation.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	st, ok := s.streams[conversationID]
	s.mu.Unlock()
	if !ok {
		return model.Invalid("conversation", "not open")
	}
	return st.MarkRead(ctx, s.selfID)
}

// UserTyping records composing activity in an open conversation.
func (s *Session) UserTyping(ctx context.Context, conversationID string) {
	_ = s.tracker.ReportTyping(ctx, conversationID) // advisory
}

// HandleSignal forwards an environment lifecycle transition to presence.
func (s *Session) HandleSignal(sig presence.Signal) {
	s.tracker.HandleSignal(sig)
}

// Close tears the session down: streams and feeds stop, the heartbeat key
// is removed, and offline is published best-effort.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := make([]*message.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = map[string]*message.Stream{}
	s.mu.Unlock()

	for _, st := range streams {
		st.Close()
	}
	s.index.Close()
	s.cancel()

	if s.opts.Heartbeat != nil {
		s.opts.Heartbeat.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = s.tracker.MarkOffline(ctx) // advisory
	s.tracker.Close()
}
