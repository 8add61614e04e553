package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexaie/chatsync/internal/gateway"
)

// collector buffers delivered batches for assertions.
type collector struct {
	mu      sync.Mutex
	batches []gateway.ChangeBatch
}

func (c *collector) feed(b gateway.ChangeBatch) {
	c.mu.Lock()
	c.batches = append(c.batches, b)
	c.mu.Unlock()
}

func (c *collector) all() []gateway.ChangeBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gateway.ChangeBatch, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *collector) changes() []gateway.Change {
	var out []gateway.Change
	for _, b := range c.all() {
		out = append(out, b...)
	}
	return out
}

func TestSetAndGetDocument(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.GetDocument(ctx, "users", "u1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err := s.SetDocument(ctx, "users", "u1", map[string]any{"name": "Alice", "online": true}, gateway.Merge)
	if err != nil {
		t.Fatalf("SetDocument failed: %v", err)
	}

	doc, err := s.GetDocument(ctx, "users", "u1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc.Fields["name"] != "Alice" || doc.Fields["online"] != true {
		t.Fatalf("unexpected fields: %#v", doc.Fields)
	}
}

func TestMergeKeepsUnrelatedFields(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"name": "Alice", "online": true}, gateway.Merge)
	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": false}, gateway.Merge)

	doc, _ := s.GetDocument(ctx, "users", "u1")
	if doc.Fields["name"] != "Alice" {
		t.Fatalf("merge dropped unrelated field: %#v", doc.Fields)
	}
	if doc.Fields["online"] != false {
		t.Fatalf("merge did not overlay field: %#v", doc.Fields)
	}

	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": true}, gateway.Overwrite)
	doc, _ = s.GetDocument(ctx, "users", "u1")
	if _, ok := doc.Fields["name"]; ok {
		t.Fatalf("overwrite kept stale field: %#v", doc.Fields)
	}
}

func TestServerTimestampsAreMonotonic(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	var prev time.Time
	for i := 0; i < 50; i++ {
		_ = s.SetDocument(ctx, "messages", "m", map[string]any{"timestamp": gateway.ServerTimestamp}, gateway.Merge)
		doc, _ := s.GetDocument(ctx, "messages", "m")
		ts, ok := doc.Fields["timestamp"].(time.Time)
		if !ok {
			t.Fatalf("timestamp sentinel not resolved: %#v", doc.Fields["timestamp"])
		}
		if !ts.After(prev) {
			t.Fatalf("timestamp not increasing: %v then %v", prev, ts)
		}
		prev = ts
	}
}

func TestServerTimestampResolvedInNestedMap(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_ = s.SetDocument(ctx, "conversations", "c", map[string]any{
		"lastMessage": map[string]any{"text": "hi", "timestamp": gateway.ServerTimestamp},
	}, gateway.Merge)

	doc, _ := s.GetDocument(ctx, "conversations", "c")
	lm := doc.Fields["lastMessage"].(map[string]any)
	if _, ok := lm["timestamp"].(time.Time); !ok {
		t.Fatalf("nested sentinel not resolved: %#v", lm)
	}
}

func TestSubscribeInitialSnapshotOrdered(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	base := time.Now().UTC()
	_ = s.SetDocument(ctx, "messages", "m2", map[string]any{"conversationId": "c", "timestamp": base.Add(2 * time.Second)}, gateway.Merge)
	_ = s.SetDocument(ctx, "messages", "m1", map[string]any{"conversationId": "c", "timestamp": base.Add(time.Second)}, gateway.Merge)
	_ = s.SetDocument(ctx, "messages", "x", map[string]any{"conversationId": "other", "timestamp": base}, gateway.Merge)

	col := &collector{}
	sub, err := s.SubscribeQuery(ctx, gateway.Query{
		Collection: "messages",
		Filters:    []gateway.Where{gateway.Eq("conversationId", "c")},
		OrderBy:    "timestamp",
	}, col.feed)
	if err != nil {
		t.Fatalf("SubscribeQuery failed: %v", err)
	}
	defer sub.Close()
	s.Sync()

	changes := col.changes()
	if len(changes) != 2 {
		t.Fatalf("expected 2 initial changes, got %d", len(changes))
	}
	if changes[0].Doc.ID != "m1" || changes[1].Doc.ID != "m2" {
		t.Fatalf("initial snapshot out of order: %s, %s", changes[0].Doc.ID, changes[1].Doc.ID)
	}
}

func TestSubscribeFilterTransitions(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	col := &collector{}
	sub, err := s.SubscribeQuery(ctx, gateway.Query{
		Collection: "users",
		Filters:    []gateway.Where{gateway.Eq("online", true)},
	}, col.feed)
	if err != nil {
		t.Fatalf("SubscribeQuery failed: %v", err)
	}
	defer sub.Close()

	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": true}, gateway.Merge)
	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": true, "typing": true}, gateway.Merge)
	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": false}, gateway.Merge)
	s.Sync()

	changes := col.changes()
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %#v", len(changes), changes)
	}
	want := []gateway.ChangeKind{gateway.Added, gateway.Modified, gateway.Removed}
	for i, k := range want {
		if changes[i].Kind != k {
			t.Fatalf("change %d: expected %v got %v", i, k, changes[i].Kind)
		}
	}
}

func TestContainsFilter(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	_ = s.SetDocument(ctx, "conversations", "a_b", map[string]any{"participantIds": []string{"a", "b"}}, gateway.Merge)
	_ = s.SetDocument(ctx, "conversations", "b_c", map[string]any{"participantIds": []string{"b", "c"}}, gateway.Merge)

	col := &collector{}
	sub, err := s.SubscribeQuery(ctx, gateway.Query{
		Collection: "conversations",
		Filters:    []gateway.Where{gateway.Contains("participantIds", "a")},
	}, col.feed)
	if err != nil {
		t.Fatalf("SubscribeQuery failed: %v", err)
	}
	defer sub.Close()
	s.Sync()

	changes := col.changes()
	if len(changes) != 1 || changes[0].Doc.ID != "a_b" {
		t.Fatalf("contains filter wrong result: %#v", changes)
	}
}

func TestAtomicBatchDeliveredAsOneBatch(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	col := &collector{}
	sub, _ := s.SubscribeQuery(ctx, gateway.Query{Collection: "messages"}, col.feed)
	defer sub.Close()

	err := s.AtomicBatch(ctx, []gateway.Op{
		gateway.Set("messages", "m1", map[string]any{"read": true}, gateway.Merge),
		gateway.Set("messages", "m2", map[string]any{"read": true}, gateway.Merge),
	})
	if err != nil {
		t.Fatalf("AtomicBatch failed: %v", err)
	}
	s.Sync()

	batches := col.all()
	if len(batches) != 1 {
		t.Fatalf("expected a single delivered batch, got %d", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Fatalf("expected 2 changes in batch, got %d", len(batches[0]))
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	col := &collector{}
	sub, _ := s.SubscribeQuery(ctx, gateway.Query{Collection: "users"}, col.feed)
	sub.Close()
	<-sub.Done()
	if sub.Err() != nil {
		t.Fatalf("clean close should report nil error, got %v", sub.Err())
	}

	_ = s.SetDocument(ctx, "users", "u1", map[string]any{"online": true}, gateway.Merge)
	s.Sync()
	if len(col.changes()) != 0 {
		t.Fatalf("received change after Close: %#v", col.changes())
	}
}

func TestBreakFeedsReportsError(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	sub, _ := s.SubscribeQuery(ctx, gateway.Query{Collection: "users"}, func(gateway.ChangeBatch) {})
	wantErr := errors.New("connectivity lost")
	s.BreakFeeds(wantErr)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not terminate")
	}
	if !errors.Is(sub.Err(), wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, sub.Err())
	}
}

func TestFailNextSubscribe(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	wantErr := errors.New("subscribe refused")
	s.FailNextSubscribe(wantErr)
	if _, err := s.SubscribeQuery(ctx, gateway.Query{Collection: "users"}, func(gateway.ChangeBatch) {}); !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}

	// Only the next call fails.
	sub, err := s.SubscribeQuery(ctx, gateway.Query{Collection: "users"}, func(gateway.ChangeBatch) {})
	if err != nil {
		t.Fatalf("second subscribe should succeed: %v", err)
	}
	sub.Close()
}
