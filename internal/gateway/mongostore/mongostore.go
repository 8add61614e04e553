// Package mongostore backs the gateway contract with MongoDB: change
// streams feed the live queries, pipeline updates resolve the server
// timestamp sentinel, and multi-document transactions back AtomicBatch.
// Transactions and change streams both require a replica set deployment
// (a single-node replica set is enough for development).
package mongostore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/nexaie/chatsync/internal/gateway"
	"github.com/nexaie/chatsync/internal/model"
)

// Store implements gateway.Gateway on a MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials MongoDB, verifies the connection with a ping and returns
// a Store over the named database.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Store{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the sync queries depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	// Conversation listings filter on array membership.
	_, err := s.db.Collection(model.CollConversations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: map[string]int{"participantIds": 1},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversations index: %w", err)
	}

	// Message streams filter on conversationId and order by timestamp.
	_, err = s.db.Collection(model.CollMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}
	return nil
}

// GetDocument reads one document by id.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (gateway.Doc, error) {
	var raw bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if err == mongo.ErrNoDocuments {
		return gateway.Doc{}, gateway.ErrNotFound
	}
	if err != nil {
		return gateway.Doc{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return docFromRaw(id, raw), nil
}

// SetDocument writes one document per the policy.
func (s *Store) SetDocument(ctx context.Context, collection, id string, fields map[string]any, policy gateway.WritePolicy) error {
	return s.applyOp(ctx, s.db, gateway.Op{Collection: collection, ID: id, Fields: fields, Policy: policy})
}

// AtomicBatch applies the ops inside one multi-document transaction.
func (s *Store) AtomicBatch(ctx context.Context, ops []gateway.Op) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc context.Context) (any, error) {
		for _, op := range ops {
			if err := s.applyOp(sc, s.db, op); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("batch write failed: %w", err)
	}
	return nil
}

// applyOp performs one write as a pipeline update so the ServerTimestamp
// sentinel resolves to $$NOW on the server. Overwrite replaces the whole
// document; Merge overlays the given fields.
func (s *Store) applyOp(ctx context.Context, db *mongo.Database, op gateway.Op) error {
	var pipeline mongo.Pipeline
	if op.Policy == gateway.Overwrite {
		doc := bson.D{{Key: "_id", Value: bson.M{"$literal": op.ID}}}
		for k, v := range op.Fields {
			doc = append(doc, bson.E{Key: k, Value: exprValue(v)})
		}
		pipeline = mongo.Pipeline{{{Key: "$replaceWith", Value: doc}}}
	} else {
		set := bson.D{}
		for k, v := range op.Fields {
			set = append(set, bson.E{Key: k, Value: exprValue(v)})
		}
		pipeline = mongo.Pipeline{{{Key: "$set", Value: set}}}
	}

	_, err := db.Collection(op.Collection).UpdateOne(ctx,
		bson.M{"_id": op.ID}, pipeline, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", op.Collection, op.ID, err)
	}
	return nil
}

// exprValue converts a field value into an aggregation expression. Plain
// values are wrapped in $literal so strings are never read as field paths;
// the sentinel becomes $$NOW, which the server resolves once per statement
// and which moves forward monotonically with the cluster time.
func exprValue(v any) any {
	if v == any(gateway.ServerTimestamp) {
		return "$$NOW"
	}
	if nested, ok := v.(map[string]any); ok {
		sub := bson.D{}
		for k, nv := range nested {
			sub = append(sub, bson.E{Key: k, Value: exprValue(nv)})
		}
		return sub
	}
	return bson.M{"$literal": v}
}

// SubscribeQuery opens a change stream on the query's collection, delivers
// the current matches as an initial Added batch, then translates stream
// events into change batches. Filters are evaluated against the event's
// full document; a matching document leaving the filter is Removed.
func (s *Store) SubscribeQuery(ctx context.Context, q gateway.Query, fn gateway.FeedFunc) (gateway.Subscription, error) {
	coll := s.db.Collection(q.Collection)

	// The stream opens before the snapshot runs so writes landing in
	// between are not lost. The consumers tolerate the resulting replays.
	cs, err := coll.Watch(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}},
		}}},
	}, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("failed to open change stream on %s: %w", q.Collection, err)
	}

	snapshot, err := s.snapshot(ctx, coll, q)
	if err != nil {
		cs.Close(ctx)
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	matched := make(map[string]bool, len(snapshot))
	for _, ch := range snapshot {
		matched[ch.Doc.ID] = true
	}

	go func() {
		defer close(sub.done)
		defer cs.Close(context.Background())

		// An empty initial batch is still delivered; consumers treat it
		// as the feed becoming ready.
		fn(snapshot)

		for cs.Next(streamCtx) {
			var ev streamEvent
			if err := cs.Decode(&ev); err != nil {
				sub.setErr(fmt.Errorf("failed to decode change event: %w", err))
				return
			}
			if ch, ok := translate(ev, q, matched); ok {
				fn(gateway.ChangeBatch{ch})
			}
		}
		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			sub.setErr(fmt.Errorf("change stream on %s failed: %w", q.Collection, err))
		}
	}()

	return sub, nil
}

// snapshot runs the initial find with the query's order and limit applied.
func (s *Store) snapshot(ctx context.Context, coll *mongo.Collection, q gateway.Query) (gateway.ChangeBatch, error) {
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		opts = opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: 1}})
	}
	if q.Limit > 0 {
		opts = opts.SetLimit(int64(q.Limit))
	}

	cur, err := coll.Find(ctx, filterFor(q), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)

	var batch gateway.ChangeBatch
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode %s document: %w", q.Collection, err)
		}
		id, _ := raw["_id"].(string)
		batch = append(batch, gateway.Change{Kind: gateway.Added, Doc: docFromRaw(id, raw)})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", q.Collection, err)
	}
	return batch, nil
}

// filterFor translates gateway filters into a MongoDB filter document.
// Array membership maps directly: a plain equality against an array field
// matches documents whose array contains the value.
func filterFor(q gateway.Query) bson.M {
	filter := bson.M{}
	for _, w := range q.Filters {
		filter[w.Field] = w.Value
	}
	return filter
}

// streamEvent is the slice of a change event the translation needs.
type streamEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// translate maps one stream event to a change, updating the matched set.
// Events for documents outside the filter are dropped.
func translate(ev streamEvent, q gateway.Query, matched map[string]bool) (gateway.Change, bool) {
	id := ev.DocumentKey.ID

	if ev.OperationType == "delete" {
		if !matched[id] {
			return gateway.Change{}, false
		}
		delete(matched, id)
		return gateway.Change{Kind: gateway.Removed, Doc: gateway.Doc{ID: id}}, true
	}

	// updateLookup can race a subsequent delete and come back empty.
	if ev.FullDocument == nil {
		return gateway.Change{}, false
	}
	doc := docFromRaw(id, ev.FullDocument)

	if !matchesFilter(doc, q) {
		if !matched[id] {
			return gateway.Change{}, false
		}
		delete(matched, id)
		return gateway.Change{Kind: gateway.Removed, Doc: doc}, true
	}

	kind := gateway.Modified
	if !matched[id] {
		kind = gateway.Added
		matched[id] = true
	}
	return gateway.Change{Kind: kind, Doc: doc}, true
}

func matchesFilter(doc gateway.Doc, q gateway.Query) bool {
	for _, w := range q.Filters {
		v := doc.Fields[w.Field]
		switch w.Op {
		case gateway.OpEqual:
			if v != w.Value {
				return false
			}
		case gateway.OpContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, item := range arr {
				if item == w.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

// docFromRaw converts a decoded BSON document into a gateway doc with
// native Go values.
func docFromRaw(id string, raw bson.M) gateway.Doc {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		fields[k] = nativeValue(v)
	}
	return gateway.Doc{ID: id, Fields: fields}
}

func nativeValue(v any) any {
	switch t := v.(type) {
	case bson.DateTime:
		return t.Time().UTC()
	case bson.M:
		out := make(map[string]any, len(t))
		for k, nv := range t {
			out[k] = nativeValue(nv)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = nativeValue(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, nv := range t {
			out[i] = nativeValue(nv)
		}
		return out
	default:
		return v
	}
}

// subscription is the change-stream handle returned by SubscribeQuery.
type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.cancel()
	<-s.done
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
