// Package message turns a conversation's live change feed into a stable,
// monotonically ordered message log, and owns the write paths: sending and
// read receipts. Appends are delivered exactly once per entry for the
// lifetime of a Stream, even across feed drops and resubscriptions.
package message

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/retry"
)

// Handler receives ordered log events. Appended fires once per message, in
// increasing timestamp order; Updated fires when an already-delivered
// message's read flag flips. Handlers must not call back into the Stream.
type Handler interface {
	Appended(model.Message)
	Updated(model.Message)
}

// Stream is the per-conversation log consumer.
type Stream struct {
	gw     gateway.Gateway
	convID string
	policy retry.Policy

	mu      sync.Mutex
	seen    map[string]model.Message
	handler Handler
	cancel  context.CancelFunc

	emitMu sync.Mutex
}

// New builds a Stream for one conversation. A nil policy selects the flat
// 3 second resubscribe delay.
func New(gw gateway.Gateway, conversationID string, policy retry.Policy) *Stream {
	if policy == nil {
		policy = retry.Fixed(3 * time.Second)
	}
	return &Stream{
		gw:     gw,
		convID: conversationID,
		policy: policy,
		seen:   make(map[string]model.Message),
	}
}

// ConversationID returns the conversation this stream consumes.
func (st *Stream) ConversationID() string { return st.convID }

// Subscribe opens the live ordered query and starts delivering to handler.
// Calling it again replaces the previous subscription.
func (st *Stream) Subscribe(ctx context.Context, handler Handler) {
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	st.handler = handler
	st.mu.Unlock()

	go st.watch(watchCtx)
}

// Close stops delivery. Messages already handed to the handler stay valid.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.handler = nil
	st.mu.Unlock()
}

func (st *Stream) watch(ctx context.Context) {
	q := gateway.Query{
		Collection: model.CollMessages,
		Filters:    []gateway.Where{gateway.Eq("conversationId", st.convID)},
		OrderBy:    "timestamp",
	}
	attempt := 0
	for {
		sub, err := st.gw.SubscribeQuery(ctx, q, st.apply)
		if err != nil {
			log.Warn().Err(err).Str("conversation", st.convID).Msg("messages: subscribe failed")
			if retry.Wait(ctx, st.policy, attempt) != nil {
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
				log.Warn().Err(err).Str("conversation", st.convID).Msg("messages: feed dropped")
			} else if ctx.Err() == nil {
				return
			}
			if retry.Wait(ctx, st.policy, attempt) != nil {
				return
			}
			attempt++
		}
	}
}

// apply folds a change batch into the log. A resubscription replays history
// as Added; the seen map turns replays into no-ops (or read-flag updates),
// preserving exactly-once appends.
func (st *Stream) apply(batch gateway.ChangeBatch) {
	var appends, updates []model.Message

	st.mu.Lock()
	handler := st.handler
	for _, ch := range batch {
		if ch.Kind == gateway.Removed {
			continue // messages are never deleted in scope
		}
		m := model.MessageFromDoc(ch.Doc)
		prev, known := st.seen[m.ID]
		st.seen[m.ID] = m
		switch {
		case !known:
			appends = append(appends, m)
		case prev.Read != m.Read:
			updates = append(updates, m)
		}
	}
	st.mu.Unlock()

	sort.SliceStable(appends, func(i, j int) bool {
		return appends[i].Timestamp.Before(appends[j].Timestamp)
	})

	if handler == nil {
		return
	}
	st.emitMu.Lock()
	defer st.emitMu.Unlock()
	for _, m := range appends {
		handler.Appended(m)
	}
	for _, m := range updates {
		handler.Updated(m)
	}
}

// Send validates and appends a message, then refreshes the conversation's
// denormalized summary. The append commits first; only after it succeeds is
// the summary touched, so the summary can never point at a message absent
// from the log. A failed summary write is tolerated (logged, not retried):
// it self-heals on the next send. Sends themselves are never auto-retried,
// since a duplicate append would corrupt the log; callers surface the error
// and let the user re-issue the intent.
func (st *Stream) Send(ctx context.Context, senderID, text string) (model.Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return model.Message{}, model.Invalid("text", "empty message")
	}

	msg := model.Message{
		ID:             model.NewID(),
		ConversationID: st.convID,
		SenderID:       senderID,
		Text:           trimmed,
	}
	if err := st.gw.SetDocument(ctx, model.CollMessages, msg.ID, msg.Fields(), gateway.Overwrite); err != nil {
		return model.Message{}, model.Transient("message append", err)
	}

	summary := model.LastMessage{Text: trimmed, SenderID: senderID}
	err := st.gw.SetDocument(ctx, model.CollConversations, st.convID, map[string]any{
		"lastMessage": summary.Fields(),
	}, gateway.Merge)
	if err != nil {
		log.Warn().Err(err).Str("conversation", st.convID).Msg("messages: summary update failed; will self-heal on next send")
	}
	return msg, nil
}

// MarkRead flips read=true on every delivered message not authored by
// readerID, plus the conversation summary's read flag when the summary's
// sender is someone else, in one all-or-nothing batch. Idempotent: a second
// call finds nothing left to flip.
func (st *Stream) MarkRead(ctx context.Context, readerID string) error {
	st.mu.Lock()
	var unread []model.Message
	for _, m := range st.seen {
		if !m.Read && m.SenderID != readerID {
			unread = append(unread, m)
		}
	}
	st.mu.Unlock()

	var ops []gateway.Op
	for _, m := range unread {
		ops = append(ops, gateway.Set(model.CollMessages, m.ID, map[string]any{"read": true}, gateway.Merge))
	}

	// The summary flag is reconciled independently so a previously failed
	// cycle gets repaired here even with no unread messages left.
	doc, err := st.gw.GetDocument(ctx, model.CollConversations, st.convID)
	if err == nil {
		conv := model.ConversationFromDoc(doc)
		lm := conv.LastMessage
		if lm.SenderID != "" && lm.SenderID != readerID && !lm.Read {
			lm.Read = true
			ops = append(ops, gateway.Set(model.CollConversations, st.convID, map[string]any{
				"lastMessage": lm.Fields(),
			}, gateway.Merge))
		}
	} else {
		log.Warn().Err(err).Str("conversation", st.convID).Msg("messages: summary read check failed")
	}

	if len(ops) == 0 {
		return nil
	}
	if err := st.gw.AtomicBatch(ctx, ops); err != nil {
		return model.Transient("mark read", err)
	}

	// Reflect the flips locally right away; the feed echo then arrives as
	// a no-op. This keeps back-to-back MarkRead calls idempotent without
	// waiting on the store.
	st.mu.Lock()
	handler := st.handler
	for i, m := range unread {
		m.Read = true
		st.seen[m.ID] = m
		unread[i] = m
	}
	st.mu.Unlock()

	if handler != nil {
		st.emitMu.Lock()
		for _, m := range unread {
			handler.Updated(m)
		}
		st.emitMu.Unlock()
	}
	return nil
}
