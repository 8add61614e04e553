package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/gateway/memstore"
	"github.com/nexaie/chatsync/internal/model"
)

// recordingGateway counts user-document writes going through to the store.
type recordingGateway struct {
	gateway.Gateway
	mu     sync.Mutex
	writes []map[string]any
}

func (g *recordingGateway) SetDocument(ctx context.Context, coll, id string, fields map[string]any, p gateway.WritePolicy) error {
	g.mu.Lock()
	g.writes = append(g.writes, fields)
	g.mu.Unlock()
	return g.Gateway.SetDocument(ctx, coll, id, fields, p)
}

func (g *recordingGateway) countTypingStops() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, w := range g.writes {
		if v, ok := w["typing"]; ok && v == false {
			if _, offline := w["online"]; !offline {
				n++
			}
		}
	}
	return n
}

func userDoc(t *testing.T, s *memstore.Store, id string) model.User {
	t.Helper()
	doc, err := s.GetDocument(context.Background(), model.CollUsers, id)
	if err != nil {
		t.Fatalf("user doc read failed: %v", err)
	}
	return model.UserFromDoc(doc)
}

func TestMarkOnlineAndOffline(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	tr := New(s, "u1", Config{})
	defer tr.Close()
	ctx := context.Background()

	if err := tr.MarkOnline(ctx); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}
	u := userDoc(t, s, "u1")
	if !u.Online || u.LastActive.IsZero() {
		t.Fatalf("expected online with activity timestamp, got %+v", u)
	}

	if err := tr.MarkOffline(ctx); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}
	u = userDoc(t, s, "u1")
	if u.Online || u.Typing {
		t.Fatalf("expected offline and not typing, got %+v", u)
	}
}

func TestTypingDebounceTimedFromLastCall(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	rec := &recordingGateway{Gateway: s}
	tr := New(rec, "u1", Config{TypingIdle: 100 * time.Millisecond})
	defer tr.Close()
	ctx := context.Background()

	start := time.Now()
	if err := tr.ReportTyping(ctx, "c1"); err != nil {
		t.Fatalf("ReportTyping failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := tr.ReportTyping(ctx, "c1"); err != nil {
		t.Fatalf("second ReportTyping failed: %v", err)
	}

	// 120ms after the first call the idle window from the FIRST call has
	// elapsed, but the second call restarted it: still typing.
	time.Sleep(120*time.Millisecond - time.Since(start))
	if u := userDoc(t, s, "u1"); !u.Typing {
		t.Fatal("typing cleared too early; debounce must time from the last call")
	}

	// Well past the window from the second call: cleared, exactly once.
	time.Sleep(250*time.Millisecond - time.Since(start))
	if u := userDoc(t, s, "u1"); u.Typing {
		t.Fatal("typing flag not cleared after idle window")
	}
	if n := rec.countTypingStops(); n != 1 {
		t.Fatalf("expected exactly one typing-stopped write, got %d", n)
	}
}

func TestTypingWritesAreRateLimited(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	rec := &recordingGateway{Gateway: s}
	tr := New(rec, "u1", Config{TypingIdle: time.Minute, WriteRate: rate.Limit(0.001), WriteBurst: 1})
	defer tr.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := tr.ReportTyping(ctx, "c1"); err != nil {
			t.Fatalf("ReportTyping %d failed: %v", i, err)
		}
	}

	rec.mu.Lock()
	writes := len(rec.writes)
	rec.mu.Unlock()
	if writes != 1 {
		t.Fatalf("expected a single typing write under rate limit, got %d", writes)
	}
}

func TestCloseCancelsPendingTypingStop(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	rec := &recordingGateway{Gateway: s}
	tr := New(rec, "u1", Config{TypingIdle: 50 * time.Millisecond})
	ctx := context.Background()

	_ = tr.ReportTyping(ctx, "c1")
	tr.Close()

	time.Sleep(120 * time.Millisecond)
	if n := rec.countTypingStops(); n != 0 {
		t.Fatalf("typing-stopped write fired after Close: %d", n)
	}
}

func TestHandleSignalPublishesPresence(t *testing.T) {
	s := memstore.New()
	defer s.Close()
	tr := New(s, "u1", Config{})
	defer tr.Close()

	online := func() bool {
		doc, err := s.GetDocument(context.Background(), model.CollUsers, "u1")
		if err != nil {
			return false
		}
		return model.UserFromDoc(doc).Online
	}

	tr.HandleSignal(SignalVisible)
	waitFor(t, online)

	tr.HandleSignal(SignalHidden)
	waitFor(t, func() bool { return !online() })
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
	t.Fatal("condition not reached in time")
}
