// Package presence computes and publishes a user's advisory presence state:
// online/offline flags, last-activity timestamps and a debounced typing
// indicator. Presence writes are best-effort; a failed write is logged and
// dropped, never retried, because staleness here degrades UX only.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
)

const (
	// DefaultTypingIdle is how long after the last keystroke the typing
	// flag is cleared.
	DefaultTypingIdle = 2 * time.Second

	// writeTimeout bounds fire-and-forget presence writes.
	writeTimeout = 5 * time.Second
)

// Signal is an environment lifecycle transition forwarded by the embedding
// layer (tab visibility in a browser shell, socket connect/close here).
type Signal int

const (
	// SignalVisible: the user's surface became active again.
	SignalVisible Signal = iota
	// SignalHidden: the surface went to the background.
	SignalHidden
	// SignalUnload: the surface is being torn down.
	SignalUnload
)

// Config tunes a Tracker. Zero values select the defaults.
type Config struct {
	// TypingIdle is the debounce window for the typing indicator.
	TypingIdle time.Duration

	// WriteRate caps advisory writes triggered by keystrokes; the original
	// clients wrote on every input event, which is wasteful against a
	// remote store. Zero selects 2 writes/second with a burst of 3.
	WriteRate  rate.Limit
	WriteBurst int
}

func (c *Config) norm() {
	if c.TypingIdle <= 0 {
		c.TypingIdle = DefaultTypingIdle
	}
	if c.WriteRate <= 0 {
		c.WriteRate = 2
	}
	if c.WriteBurst <= 0 {
		c.WriteBurst = 3
	}
}

// Tracker publishes one user's presence to the gateway.
type Tracker struct {
	gw      gateway.Gateway
	userID  string
	idle    time.Duration
	limiter *rate.Limiter

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// New returns a Tracker for the given user.
func New(gw gateway.Gateway, userID string, cfg Config) *Tracker {
	cfg.norm()
	return &Tracker{
		gw:      gw,
		userID:  userID,
		idle:    cfg.TypingIdle,
		limiter: rate.NewLimiter(cfg.WriteRate, cfg.WriteBurst),
	}
}

// MarkOnline publishes online=true with a fresh activity timestamp.
// Idempotent; failures are logged and returned but need no handling.
func (t *Tracker) MarkOnline(ctx context.Context) error {
	err := t.gw.SetDocument(ctx, model.CollUsers, t.userID, map[string]any{
		"online":     true,
		"lastActive": gateway.ServerTimestamp,
	}, gateway.Merge)
	if err != nil {
		log.Warn().Err(err).Str("user", t.userID).Msg("presence: online write dropped")
	}
	return err
}

// MarkOffline publishes online=false and clears any typing flag.
func (t *Tracker) MarkOffline(ctx context.Context) error {
	err := t.gw.SetDocument(ctx, model.CollUsers, t.userID, map[string]any{
		"online":     false,
		"typing":     false,
		"typingIn":   "",
		"lastActive": gateway.ServerTimestamp,
	}, gateway.Merge)
	if err != nil {
		log.Warn().Err(err).Str("user", t.userID).Msg("presence: offline write dropped")
	}
	return err
}

// ReportTyping records that the user is composing in the given
// conversation. Each call restarts the idle timer; when it expires without
// a further call, a single typing-stopped write is issued, timed from the
// last call. The typing=true write itself is rate limited since callers
// invoke this per keystroke.
func (t *Tracker) ReportTyping(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, t.typingStopped)
	allowed := t.limiter.Allow()
	t.mu.Unlock()

	if !allowed {
		return nil
	}
	err := t.gw.SetDocument(ctx, model.CollUsers, t.userID, map[string]any{
		"typing":     true,
		"typingIn":   conversationID,
		"lastActive": gateway.ServerTimestamp,
	}, gateway.Merge)
	if err != nil {
		log.Warn().Err(err).Str("user", t.userID).Msg("presence: typing write dropped")
	}
	return err
}

// typingStopped runs on timer expiry. The write is idempotent, so a timer
// that outlives its conversation fires harmlessly.
func (t *Tracker) typingStopped() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := t.gw.SetDocument(ctx, model.CollUsers, t.userID, map[string]any{
		"typing":   false,
		"typingIn": "",
	}, gateway.Merge)
	if err != nil {
		log.Warn().Err(err).Str("user", t.userID).Msg("presence: typing-stopped write dropped")
	}
}

// HandleSignal reacts to a lifecycle transition. Hidden/unload publish
// offline fire-and-forget: these race with the surface being torn down, so
// the requirement is best-effort, not exactly-once.
func (t *Tracker) HandleSignal(s Signal) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		switch s {
		case SignalVisible:
			_ = t.MarkOnline(ctx)
		case SignalHidden, SignalUnload:
			_ = t.MarkOffline(ctx)
		}
	}()
}

// Close cancels the pending typing timer, if any. It does not publish
// offline; callers decide whether to (Session does, best-effort).
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
