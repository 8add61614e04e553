// Package gateway defines the contract the sync components consume from a
// real-time document store: live queries delivering ordered change batches,
// point reads, merge writes, and all-or-nothing batches. Implementations
// live in the subpackages; the components never assume a write is visible
// before it comes back through a change feed.
package gateway

import (
	"context"
	"errors"
)

// ErrNotFound is returned by GetDocument when no document has the id.
var ErrNotFound = errors.New("document not found")

// ErrClosed is returned for operations on a closed store or subscription.
var ErrClosed = errors.New("gateway closed")

// serverTimestamp is the type of the ServerTimestamp sentinel.
type serverTimestamp struct{}

// ServerTimestamp is a sentinel field value: the store replaces it at write
// time with a server-assigned timestamp, monotonically increasing across
// writes so it is safe to order messages by.
var ServerTimestamp = serverTimestamp{}

// Doc is a stored document: an id plus a flat field map. Nested maps are
// allowed one level deep (used for conversation summaries).
type Doc struct {
	ID     string
	Fields map[string]any
}

// ChangeKind classifies an entry in a change batch.
type ChangeKind int

const (
	// Added: the document newly matches the subscribed query. Every
	// subscription starts with the current matches delivered as Added.
	Added ChangeKind = iota
	// Modified: a matching document's fields changed.
	Modified
	// Removed: the document no longer matches the query.
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one entry of a change batch.
type Change struct {
	Kind ChangeKind
	Doc  Doc
}

// ChangeBatch is an ordered list of changes delivered atomically. Within a
// subscription, batches arrive in the order the store commits them.
type ChangeBatch []Change

// FeedFunc receives change batches for a subscription. It is called from a
// single goroutine per subscription and must not block indefinitely.
type FeedFunc func(ChangeBatch)

// Subscription is a live query handle. After Done is closed no further
// FeedFunc calls are made; Err reports why the feed stopped (nil after a
// plain Close).
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close()
}

// CompareOp is a filter operator.
type CompareOp int

const (
	// OpEqual matches documents whose field equals the value.
	OpEqual CompareOp = iota
	// OpContains matches documents whose array field contains the value.
	OpContains
)

// Where is a single query filter.
type Where struct {
	Field string
	Op    CompareOp
	Value any
}

// Query selects documents in one collection. A zero OrderBy means
// unspecified order for the initial snapshot.
type Query struct {
	Collection string
	Filters    []Where
	OrderBy    string
	Descending bool
	Limit      int
}

// Eq is shorthand for an equality filter.
func Eq(field string, value any) Where { return Where{Field: field, Op: OpEqual, Value: value} }

// Contains is shorthand for an array-membership filter.
func Contains(field string, value any) Where {
	return Where{Field: field, Op: OpContains, Value: value}
}

// WritePolicy controls how SetDocument treats an existing document.
type WritePolicy int

const (
	// Merge overlays the given fields onto the existing document,
	// creating it if absent.
	Merge WritePolicy = iota
	// Overwrite replaces the document wholesale, creating it if absent.
	Overwrite
)

// Op is one write inside an atomic batch.
type Op struct {
	Collection string
	ID         string
	Fields     map[string]any
	Policy     WritePolicy
}

// Set builds a batch op.
func Set(collection, id string, fields map[string]any, policy WritePolicy) Op {
	return Op{Collection: collection, ID: id, Fields: fields, Policy: policy}
}

// Gateway is the consumed store interface. All methods are safe for
// concurrent use. Writes surface their effects only through change feeds,
// after an arbitrary delay.
type Gateway interface {
	// SubscribeQuery opens a live query. The current matches arrive as an
	// initial Added batch, then incremental batches as documents change.
	SubscribeQuery(ctx context.Context, q Query, fn FeedFunc) (Subscription, error)

	// GetDocument reads one document, returning ErrNotFound when absent.
	GetDocument(ctx context.Context, collection, id string) (Doc, error)

	// SetDocument writes one document per the policy.
	SetDocument(ctx context.Context, collection, id string, fields map[string]any, policy WritePolicy) error

	// AtomicBatch applies all ops or none of them.
	AtomicBatch(ctx context.Context, ops []Op) error
}
