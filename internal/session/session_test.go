package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexaie/chatsync/internal/conversation"
	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/gateway/memstore"
	"github.com/nexaie/chatsync/internal/model"
	"github.com/nexaie/chatsync/internal/retry"
)

type recordingSink struct {
	mu       sync.Mutex
	presence [][]model.PresenceSnapshot
	rows     [][]conversation.Row
	appended []model.Message
	updated  []model.Message
	statuses []Status
}

func (r *recordingSink) PresenceChanged(snaps []model.PresenceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence = append(r.presence, snaps)
}

func (r *recordingSink) ConversationsChanged(rows []conversation.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows)
}

func (r *recordingSink) MessageAppended(_ string, m model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, m)
}

func (r *recordingSink) MessageUpdated(_ string, m model.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, m)
}

func (r *recordingSink) StatusChanged(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *recordingSink) lastPresence() []model.PresenceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.presence) == 0 {
		return nil
	}
	return r.presence[len(r.presence)-1]
}

func (r *recordingSink) sawStatus(st Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.statuses {
		if got == st {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func seedUser(t *testing.T, store *memstore.Store, id, username string, online bool, lastActive time.Time) {
	t.Helper()
	err := store.SetDocument(context.Background(), model.CollUsers, id, map[string]any{
		"username":   username,
		"name":       strings.ToUpper(username[:1]) + username[1:],
		"online":     online,
		"typing":     false,
		"lastActive": lastActive,
	}, gateway.Overwrite)
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func open(t *testing.T, store *memstore.Store, selfID string, opts Options) (*Session, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	if opts.Retry == nil {
		opts.Retry = retry.Fixed(10 * time.Millisecond)
	}
	s, err := New(context.Background(), store, selfID, sink, opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Close)
	return s, sink
}

func TestSendAndReadReceiptAcrossSessions(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	now := time.Now().UTC()
	seedUser(t, store, "uA", "alice", true, now)
	seedUser(t, store, "uB", "bob", true, now)

	alice, _ := open(t, store, "uA", Options{})

	conv, err := alice.OpenConversation(context.Background(), "uB")
	if err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if conv.ID != "uA_uB" {
		t.Fatalf("conversation id = %q, want uA_uB", conv.ID)
	}

	msg, err := alice.SendMessage(context.Background(), conv.ID, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "hello" || msg.SenderID != "uA" || msg.Read {
		t.Fatalf("sent message = %+v", msg)
	}

	// The sender's own listing reorders synchronously.
	if got, ok := alice.index.Get(conv.ID); !ok || got.LastMessage.Text != "hello" {
		t.Fatalf("sender listing lastMessage = %+v", got.LastMessage)
	}

	waitFor(t, func() bool {
		doc, err := store.GetDocument(context.Background(), model.CollConversations, conv.ID)
		if err != nil {
			return false
		}
		lm, _ := doc.Fields["lastMessage"].(map[string]any)
		return lm != nil && lm["text"] == "hello" && lm["read"] == false
	})

	// Bob opens the conversation; the unread peer message is acknowledged
	// automatically and both the message and the summary flip.
	bob, bobSink := open(t, store, "uB", Options{})
	if _, err := bob.OpenConversation(context.Background(), "uA"); err != nil {
		t.Fatalf("bob open conversation: %v", err)
	}

	waitFor(t, func() bool {
		doc, err := store.GetDocument(context.Background(), model.CollMessages, msg.ID)
		if err != nil {
			return false
		}
		return doc.Fields["read"] == true
	})
	waitFor(t, func() bool {
		doc, err := store.GetDocument(context.Background(), model.CollConversations, conv.ID)
		if err != nil {
			return false
		}
		lm, _ := doc.Fields["lastMessage"].(map[string]any)
		return lm != nil && lm["read"] == true && lm["text"] == "hello"
	})

	bobSink.mu.Lock()
	gotAppend := len(bobSink.appended) == 1 && bobSink.appended[0].Text == "hello"
	bobSink.mu.Unlock()
	if !gotAppend {
		t.Fatalf("bob sink did not observe exactly the hello append")
	}
}

func TestPresenceSnapshotsExcludeSelfAndApplyFreshness(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	now := time.Now().UTC()
	seedUser(t, store, "uA", "alice", true, now)
	seedUser(t, store, "uB", "bob", true, now)
	seedUser(t, store, "uC", "carol", true, now.Add(-10*time.Minute))

	_, sink := open(t, store, "uA", Options{})

	waitFor(t, func() bool { return len(sink.lastPresence()) == 2 })
	snaps := sink.lastPresence()
	if snaps[0].Username != "bob" || snaps[1].Username != "carol" {
		t.Fatalf("snapshot order = %q, %q", snaps[0].Username, snaps[1].Username)
	}
	if !snaps[0].Online {
		t.Fatalf("bob should read as online")
	}
	// Carol's online flag is true in the store but her lastActive is
	// outside the freshness window.
	if snaps[1].Online {
		t.Fatalf("stale user should read as offline")
	}
}

func TestStatusTransitionsOnFeedDrop(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedUser(t, store, "uA", "alice", true, time.Now().UTC())

	_, sink := open(t, store, "uA", Options{})
	waitFor(t, func() bool { return sink.sawStatus(StatusConnected) })

	store.BreakFeeds(gateway.ErrClosed)
	waitFor(t, func() bool { return sink.sawStatus(StatusReconnecting) })

	// The roster resubscribes and reports healthy again.
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.statuses) >= 3 && sink.statuses[len(sink.statuses)-1] == StatusConnected
	})
}

func TestSendRequiresOpenConversation(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedUser(t, store, "uA", "alice", true, time.Now().UTC())

	s, _ := open(t, store, "uA", Options{})
	if _, err := s.SendMessage(context.Background(), "uA_uB", "hi"); !model.IsValidation(err) {
		t.Fatalf("send to unopened conversation: err = %v", err)
	}
}

func TestReopenConversationIsIdempotent(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedUser(t, store, "uA", "alice", true, time.Now().UTC())
	seedUser(t, store, "uB", "bob", true, time.Now().UTC())

	s, _ := open(t, store, "uA", Options{})
	first, err := s.OpenConversation(context.Background(), "uB")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := s.OpenConversation(context.Background(), "uB")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("reopen returned %q, want %q", second.ID, first.ID)
	}

	s.CloseConversation(first.ID)
	if _, err := s.SendMessage(context.Background(), first.ID, "hi"); !model.IsValidation(err) {
		t.Fatalf("send after close: err = %v", err)
	}
}

func TestCloseMarksOffline(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	seedUser(t, store, "uA", "alice", false, time.Now().UTC())

	s, _ := open(t, store, "uA", Options{})
	waitFor(t, func() bool {
		doc, err := store.GetDocument(context.Background(), model.CollUsers, "uA")
		return err == nil && doc.Fields["online"] == true
	})

	s.Close()
	doc, err := store.GetDocument(context.Background(), model.CollUsers, "uA")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if doc.Fields["online"] != false {
		t.Fatalf("user still online after close")
	}
}
