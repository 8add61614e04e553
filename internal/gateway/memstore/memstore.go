// Package memstore is an in-memory Gateway implementation. It backs the
// unit tests for the sync components and doubles as an embedded store for
// single-process use. Change feeds are delivered in commit order from one
// goroutine per subscription.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexaie/chatsync/internal/gateway"
)

// Store implements gateway.Gateway entirely in memory.
type Store struct {
	mu      sync.Mutex
	colls   map[string]map[string]map[string]any
	subs    map[int64]*subscription
	nextSub int64
	lastTS  time.Time
	closed  bool

	// subscribeErr, when set, fails the next SubscribeQuery call once.
	subscribeErr error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		colls: make(map[string]map[string]map[string]any),
		subs:  make(map[int64]*subscription),
	}
}

// serverNow returns a strictly increasing timestamp. Caller holds s.mu.
func (s *Store) serverNow() time.Time {
	now := time.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return now
}

// GetDocument implements gateway.Gateway.
func (s *Store) GetDocument(_ context.Context, collection, id string) (gateway.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gateway.Doc{}, gateway.ErrClosed
	}
	fields, ok := s.colls[collection][id]
	if !ok {
		return gateway.Doc{}, gateway.ErrNotFound
	}
	return gateway.Doc{ID: id, Fields: copyFields(fields)}, nil
}

// SetDocument implements gateway.Gateway.
func (s *Store) SetDocument(ctx context.Context, collection, id string, fields map[string]any, policy gateway.WritePolicy) error {
	return s.AtomicBatch(ctx, []gateway.Op{gateway.Set(collection, id, fields, policy)})
}

// AtomicBatch implements gateway.Gateway. All ops commit under one lock and
// reach each matching subscription as a single batch.
func (s *Store) AtomicBatch(_ context.Context, ops []gateway.Op) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateway.ErrClosed
	}

	pending := make(map[int64]gateway.ChangeBatch)
	for _, op := range ops {
		coll := s.colls[op.Collection]
		if coll == nil {
			coll = make(map[string]map[string]any)
			s.colls[op.Collection] = coll
		}
		before := coll[op.ID]

		var after map[string]any
		if op.Policy == gateway.Merge && before != nil {
			after = copyFields(before)
		} else {
			after = make(map[string]any)
		}
		for k, v := range op.Fields {
			after[k] = s.resolve(v)
		}
		coll[op.ID] = after

		for subID, sub := range s.subs {
			if sub.query.Collection != op.Collection {
				continue
			}
			matchedBefore := before != nil && matches(sub.query, before)
			matchedAfter := matches(sub.query, after)
			var kind gateway.ChangeKind
			switch {
			case !matchedBefore && matchedAfter:
				kind = gateway.Added
			case matchedBefore && matchedAfter:
				kind = gateway.Modified
			case matchedBefore && !matchedAfter:
				kind = gateway.Removed
			default:
				continue
			}
			pending[subID] = append(pending[subID], gateway.Change{
				Kind: kind,
				Doc:  gateway.Doc{ID: op.ID, Fields: copyFields(after)},
			})
		}
	}

	for subID, batch := range pending {
		s.subs[subID].enqueue(batch)
	}
	s.mu.Unlock()
	return nil
}

// resolve replaces the ServerTimestamp sentinel, including inside one level
// of nested maps. Caller holds s.mu.
func (s *Store) resolve(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = s.resolve(nested)
		}
		return out
	default:
		if isServerTimestamp(v) {
			return s.serverNow()
		}
		return v
	}
}

func isServerTimestamp(v any) bool {
	return v == any(gateway.ServerTimestamp)
}

// SubscribeQuery implements gateway.Gateway. The current matches are
// delivered as one initial Added batch, sorted per the query.
func (s *Store) SubscribeQuery(_ context.Context, q gateway.Query, fn gateway.FeedFunc) (gateway.Subscription, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, gateway.ErrClosed
	}
	if s.subscribeErr != nil {
		err := s.subscribeErr
		s.subscribeErr = nil
		s.mu.Unlock()
		return nil, err
	}

	s.nextSub++
	sub := newSubscription(s, s.nextSub, q, fn)
	s.subs[sub.id] = sub

	var initial gateway.ChangeBatch
	for id, fields := range s.colls[q.Collection] {
		if matches(q, fields) {
			initial = append(initial, gateway.Change{
				Kind: gateway.Added,
				Doc:  gateway.Doc{ID: id, Fields: copyFields(fields)},
			})
		}
	}
	sortBatch(q, initial)
	if q.Limit > 0 && len(initial) > q.Limit {
		initial = initial[:q.Limit]
	}
	if len(initial) > 0 {
		sub.enqueue(initial)
	}
	s.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Close terminates the store: all subscriptions end (with a nil error) and
// later operations return ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[int64]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(nil)
	}
}

// BreakFeeds fails every active subscription with err, as a connectivity
// loss would. The store itself stays usable; consumers are expected to
// resubscribe. Test hook.
func (s *Store) BreakFeeds(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = map[int64]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.terminate(err)
	}
}

// FailNextSubscribe makes the next SubscribeQuery call return err. Test hook.
func (s *Store) FailNextSubscribe(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

// Sync blocks until every subscription has delivered all pending batches.
// Tests call this to observe a quiescent state after writes.
func (s *Store) Sync() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.drain()
	}
}

func (s *Store) dropSub(id int64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func matches(q gateway.Query, fields map[string]any) bool {
	for _, w := range q.Filters {
		switch w.Op {
		case gateway.OpEqual:
			if fields[w.Field] != w.Value {
				return false
			}
		case gateway.OpContains:
			if !contains(fields[w.Field], w.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func contains(field, value any) bool {
	switch arr := field.(type) {
	case []string:
		for _, e := range arr {
			if e == value {
				return true
			}
		}
	case []any:
		for _, e := range arr {
			if e == value {
				return true
			}
		}
	}
	return false
}

func sortBatch(q gateway.Query, batch gateway.ChangeBatch) {
	sort.SliceStable(batch, func(i, j int) bool {
		if q.OrderBy != "" {
			a, b := batch[i].Doc.Fields[q.OrderBy], batch[j].Doc.Fields[q.OrderBy]
			if !equalValue(a, b) {
				if less, ok := lessValue(a, b); ok {
					return less != q.Descending
				}
			}
		}
		return batch[i].Doc.ID < batch[j].Doc.ID
	})
}

func lessValue(a, b any) (less, ok bool) {
	switch av := a.(type) {
	case time.Time:
		if bv, k := b.(time.Time); k {
			return av.Before(bv), true
		}
	case string:
		if bv, k := b.(string); k {
			return av < bv, true
		}
	case int64:
		if bv, k := b.(int64); k {
			return av < bv, true
		}
	case float64:
		if bv, k := b.(float64); k {
			return av < bv, true
		}
	}
	return false, false
}

func equalValue(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	return a == b
}

func copyFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if nested, ok := v.(map[string]any); ok {
			out[k] = copyFields(nested)
			continue
		}
		if arr, ok := v.([]string); ok {
			out[k] = append([]string(nil), arr...)
			continue
		}
		if arr, ok := v.([]any); ok {
			out[k] = append([]any(nil), arr...)
			continue
		}
		out[k] = v
	}
	return out
}
