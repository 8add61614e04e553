package presence

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/retry"
)

// DefaultHeartbeatTTL bounds how long a crashed session can stay marked
// online. The original clients had no expiry at all: a killed tab stayed
// "online" forever. The TTL key plus the Reaper closes that gap.
const DefaultHeartbeatTTL = 90 * time.Second

func heartbeatKey(userID string) string { return "presence:" + userID }

// Heartbeat refreshes a per-user TTL key in redis while the session lives.
// If the process dies the key expires and the Reaper flips the user's
// online flag in the document store.
type Heartbeat struct {
	rdb    *redis.Client
	userID string
	ttl    time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewHeartbeat returns a heartbeat for the given user. A zero ttl selects
// DefaultHeartbeatTTL.
func NewHeartbeat(rdb *redis.Client, userID string, ttl time.Duration) *Heartbeat {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Heartbeat{rdb: rdb, userID: userID, ttl: ttl, stop: make(chan struct{})}
}

// Start begins beating in the background until Stop is called. Beats are
// advisory: a failed beat is logged and skipped.
func (h *Heartbeat) Start() {
	go func() {
		h.beat()
		ticker := time.NewTicker(h.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.beat()
			case <-h.stop:
				return
			}
		}
	}()
}

func (h *Heartbeat) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := h.rdb.Set(ctx, heartbeatKey(h.userID), "1", h.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("user", h.userID).Msg("presence: heartbeat skipped")
	}
}

// Stop ends the heartbeat and removes the key so the user is reaped
// promptly rather than after the TTL.
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := h.rdb.Del(ctx, heartbeatKey(h.userID)).Err(); err != nil {
			log.Warn().Err(err).Str("user", h.userID).Msg("presence: heartbeat key cleanup failed")
		}
	})
}

// Reaper watches users marked online in the store and flips any whose
// heartbeat key has expired back to offline. One reaper per deployment is
// enough; the offline write is an idempotent field set, so extras are safe.
type Reaper struct {
	rdb    *redis.Client
	gw     gateway.Gateway
	sweep  time.Duration
	policy retry.Policy

	mu     sync.Mutex
	online map[string]struct{}
}

// NewReaper builds a reaper sweeping at the given interval (default 30s).
func NewReaper(rdb *redis.Client, gw gateway.Gateway, sweep time.Duration) *Reaper {
	if sweep <= 0 {
		sweep = 30 * time.Second
	}
	return &Reaper{
		rdb:    rdb,
		gw:     gw,
		sweep:  sweep,
		policy: retry.Exponential{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2},
		online: make(map[string]struct{}),
	}
}

// Run blocks until ctx is cancelled, maintaining the online-user watch and
// sweeping expired heartbeats.
func (r *Reaper) Run(ctx context.Context) {
	go r.watch(ctx)

	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// watch keeps a live query on online users, resubscribing per the policy
// when the feed drops.
func (r *Reaper) watch(ctx context.Context) {
	q := gateway.Query{
		Collection: model.CollUsers,
		Filters:    []gateway.Where{gateway.Eq("online", true)},
	}
	attempt := 0
	for {
		sub, err := r.gw.SubscribeQuery(ctx, q, r.apply)
		if err != nil {
			log.Warn().Err(err).Msg("reaper: watch subscribe failed")
			if retry.Wait(ctx, r.policy, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		select {
		case <-ctx.Done():
			sub.Close()
			return
		case <-sub.Done():
			if err := sub.Err(); err != nil {
				log.Warn().Err(err).Msg("reaper: watch feed dropped")
			}
			if retry.Wait(ctx, r.policy, attempt) != nil {
				return
			}
			attempt++
		}
	}
}

func (r *Reaper) apply(batch gateway.ChangeBatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range batch {
		switch ch.Kind {
		case gateway.Added, gateway.Modified:
			r.online[ch.Doc.ID] = struct{}{}
		case gateway.Removed:
			delete(r.online, ch.Doc.ID)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		n, err := r.rdb.Exists(ctx, heartbeatKey(id)).Result()
		if err != nil {
			log.Warn().Err(err).Msg("reaper: heartbeat check failed")
			return
		}
		if n > 0 {
			continue
		}
		err = r.gw.SetDocument(ctx, model.CollUsers, id, map[string]any{
			"online":   false,
			"typing":   false,
			"typingIn": "",
		}, gateway.Merge)
		if err != nil {
			log.Warn().Err(err).Str("user", id).Msg("reaper: offline write failed")
			continue
		}
		log.Info().Str("user", id).Msg("reaper: expired stale presence")
		r.mu.Lock()
		delete(r.online, id)
		r.mu.Unlock()
	}
}
