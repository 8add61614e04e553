// Package conversation maintains the ordered list of conversations a user
// participates in, fed by a live change feed and hydrated with the other
// participant's user record. The published list is always sorted by most
// recent activity, newest first.
package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/retry"
)

const fetchTimeout = 10 * time.Second

// Row is one published listing entry: the conversation plus the hydrated
// peer. Rows whose peer is not yet known are withheld until the one-shot
// user fetch resolves.
type Row struct {
	Conversation model.Conversation
	Peer         model.User
}

// Index is the per-session conversation listing. All methods are safe for
// concurrent use. The change handler must not call back into the Index.
type Index struct {
	gw     gateway.Gateway
	selfID string
	policy retry.Policy

	mu       sync.Mutex
	convs    map[string]model.Conversation
	peers    map[string]model.User
	fetching map[string]bool
	onChange func([]Row)
	cancel   context.CancelFunc

	// emitMu serializes handler invocations so a later snapshot can never
	// be observed before an earlier one.
	emitMu sync.Mutex
}

// New builds an Index for selfID. A nil policy selects the flat 3 second
// resubscribe delay.
func New(gw gateway.Gateway, selfID string, policy retry.Policy) *Index {
	if policy == nil {
		policy = retry.Fixed(3 * time.Second)
	}
	return &Index{
		gw:       gw,
		selfID:   selfID,
		policy:   policy,
		convs:    make(map[string]model.Conversation),
		peers:    make(map[string]model.User),
		fetching: make(map[string]bool),
	}
}

// Subscribe opens the live conversation query and starts publishing to
// onChange. Calling it again replaces any previous subscription, so a
// subscribe after an unsubscribe leaks nothing.
func (ix *Index) Subscribe(ctx context.Context, onChange func([]Row)) {
	ix.mu.Lock()
	if ix.cancel != nil {
		ix.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	ix.onChange = onChange
	ix.mu.Unlock()

	go ix.watch(watchCtx)
}

// Close stops the subscription and all publishing.
func (ix *Index) Close() {
	ix.mu.Lock()
	if ix.cancel != nil {
		ix.cancel()
		ix.cancel = nil
	}
	ix.onChange = nil
	ix.mu.Unlock()
}

func (ix *Index) watch(ctx context.Context) {
	q := gateway.Query{
		Collection: model.CollConversations,
		Filters:    []gateway.Where{gateway.Contains("participantIds", ix.selfID)},
	}
	attempt := 0
	for {
		sub, err := ix.gw.SubscribeQuery(ctx, q, func(b gateway.ChangeBatch) { ix.apply(ctx, b) })
		if err != nil {
			log.Warn().Err(err).Str("user", ix.selfID).Msg("conversations: subscribe failed")
			if retry.Wait(ctx, ix.policy, attempt) != nil {
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
				log.Warn().Err(err).Str("user", ix.selfID).Msg("conversations: feed dropped")
			} else if ctx.Err() == nil {
				// Store shut the feed down cleanly; nothing to resume.
				return
			}
			if retry.Wait(ctx, ix.policy, attempt) != nil {
				return
			}
			attempt++
		}
	}
}

// apply merges a change batch into the index and republishes.
func (ix *Index) apply(ctx context.Context, batch gateway.ChangeBatch) {
	var fetch []string

	ix.mu.Lock()
	for _, ch := range batch {
		switch ch.Kind {
		case gateway.Added, gateway.Modified:
			c := model.ConversationFromDoc(ch.Doc)
			ix.convs[c.ID] = c
			peer := c.Peer(ix.selfID)
			if peer == "" {
				continue
			}
			if _, known := ix.peers[peer]; !known && !ix.fetching[peer] {
				ix.fetching[peer] = true
				fetch = append(fetch, peer)
			}
		case gateway.Removed:
			delete(ix.convs, ch.Doc.ID)
		}
	}
	ix.mu.Unlock()

	// Peer fetches run concurrently and resolve in any order; the index
	// reconciles them by user id, never by arrival order.
	for _, id := range fetch {
		go ix.fetchPeer(ctx, id)
	}
	ix.emit()
}

func (ix *Index) fetchPeer(ctx context.Context, userID string) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	doc, err := ix.gw.GetDocument(fetchCtx, model.CollUsers, userID)

	ix.mu.Lock()
	delete(ix.fetching, userID)
	if err == nil {
		ix.peers[userID] = model.UserFromDoc(doc)
	}
	ix.mu.Unlock()

	if err != nil {
		// The row stays withheld; a later roster event or change batch
		// will trigger another fetch.
		log.Warn().Err(err).Str("peer", userID).Msg("conversations: peer fetch failed")
		return
	}
	ix.emit()
}

// ObserveUser feeds a fresh user record into the peer cache, typically from
// the session's roster feed, so listing rows carry current presence.
func (ix *Index) ObserveUser(u model.User) {
	ix.mu.Lock()
	ix.peers[u.ID] = u
	referenced := false
	for _, c := range ix.convs {
		if c.Peer(ix.selfID) == u.ID {
			referenced = true
			break
		}
	}
	ix.mu.Unlock()

	if referenced {
		ix.emit()
	}
}

// Touch replaces a conversation's summary locally and republishes
// immediately, so a just-sent message reorders its conversation to the top
// before the gateway echo arrives.
func (ix *Index) Touch(conversationID string, lm model.LastMessage) {
	ix.mu.Lock()
	c, ok := ix.convs[conversationID]
	if ok {
		c.LastMessage = lm
		ix.convs[conversationID] = c
	}
	ix.mu.Unlock()

	if ok {
		ix.emit()
	}
}

// Get returns the cached conversation, if present.
func (ix *Index) Get(conversationID string) (model.Conversation, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	c, ok := ix.convs[conversationID]
	return c, ok
}

// Rows returns the current published listing.
func (ix *Index) Rows() []Row {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.rowsLocked()
}

func (ix *Index) rowsLocked() []Row {
	rows := make([]Row, 0, len(ix.convs))
	for _, c := range ix.convs {
		peer, ok := ix.peers[c.Peer(ix.selfID)]
		if !ok {
			continue
		}
		rows = append(rows, Row{Conversation: c, Peer: peer})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Conversation, rows[j].Conversation
		if !a.OrderKey().Equal(b.OrderKey()) {
			return a.OrderKey().After(b.OrderKey())
		}
		return a.ID < b.ID
	})
	return rows
}

func (ix *Index) emit() {
	ix.emitMu.Lock()
	defer ix.emitMu.Unlock()

	ix.mu.Lock()
	handler := ix.onChange
	var rows []Row
	if handler != nil {
		rows = ix.rowsLocked()
	}
	ix.mu.Unlock()

	if handler != nil {
		handler(rows)
	}
}

// FindOrCreateWith resolves the conversation between selfID and otherID,
// creating it when absent. Both argument orders yield the same id. Two
// participants creating concurrently write the same document; that race is
// benign because the id is deterministic and the create is a merge-style
// set, so the worst case is a redundant placeholder write.
func (ix *Index) FindOrCreateWith(ctx context.Context, otherID string) (model.Conversation, error) {
	if otherID == "" || otherID == ix.selfID {
		return model.Conversation{}, model.Invalid("participant", "conversation needs a distinct other participant")
	}
	id := model.ConversationID(ix.selfID, otherID)

	ix.mu.Lock()
	if c, ok := ix.convs[id]; ok {
		ix.mu.Unlock()
		return c, nil
	}
	ix.mu.Unlock()

	doc, err := ix.gw.GetDocument(ctx, model.CollConversations, id)
	switch {
	case err == nil:
		c := model.ConversationFromDoc(doc)
		ix.store(ctx, c)
		return c, nil
	case errors.Is(err, gateway.ErrNotFound):
		// fall through to create
	default:
		return model.Conversation{}, model.Transient("conversation lookup", err)
	}

	participants := []string{ix.selfID, otherID}
	if otherID < ix.selfID {
		participants = []string{otherID, ix.selfID}
	}
	placeholder := model.LastMessage{Read: true}
	err = ix.gw.AtomicBatch(ctx, []gateway.Op{
		gateway.Set(model.CollConversations, id, map[string]any{
			"participantIds": participants,
			"lastMessage":    placeholder.Fields(),
		}, gateway.Merge),
	})
	if err != nil {
		return model.Conversation{}, model.Transient("conversation create", err)
	}

	c := model.Conversation{ID: id, ParticipantIDs: participants}
	ix.store(ctx, c)
	return c, nil
}

// store caches a conversation discovered outside the feed and kicks off
// peer hydration for it.
func (ix *Index) store(ctx context.Context, c model.Conversation) {
	ix.mu.Lock()
	ix.convs[c.ID] = c
	peer := c.Peer(ix.selfID)
	needFetch := peer != "" && !ix.fetching[peer]
	if needFetch {
		if _, known := ix.peers[peer]; known {
			needFetch = false
		} else {
			ix.fetching[peer] = true
		}
	}
	ix.mu.Unlock()

	if needFetch {
		go ix.fetchPeer(ctx, peer)
	}
	ix.emit()
}
