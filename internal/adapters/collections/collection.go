// Package collections exposes typed accessors over the document store: point
// reads, single-field equality queries, full-collection subscriptions, and
// single-document watches.
package collections

import (
	"context"
	"errors"
	"reflect"
	"sort"

	"installcore/pkg/domain"
)

// ErrWatchClosed is reported when the store stops delivering notifications.
var ErrWatchClosed = errors.New("change feed closed")

// Field extracts the comparable string form of one attribute of T.
type Field[T any] func(T) string

// Collection is a typed accessor over one collection of the store.
type Collection[T any] struct {
	store  domain.PersistentStore
	entity domain.EntityType
	scope  string
	list   func(domain.TransactionView) []T
	find   func(domain.TransactionView, string) (T, bool)
	id     func(T) string
	fields map[string]Field[T]
	filter func(T) bool
}

// Entity returns the collection's entity type.
func (c *Collection[T]) Entity() domain.EntityType { return c.entity }

// Scope returns the parent key of a sub-collection, or "".
func (c *Collection[T]) Scope() string { return c.scope }

type queryOptions struct {
	orderBy string
}

// QueryOption adjusts a query.
type QueryOption func(*queryOptions)

// OrderBy sorts results by the named equality field. Without it, results follow
// document id order.
func OrderBy(field string) QueryOption {
	return func(o *queryOptions) { o.orderBy = field }
}

func (c *Collection[T]) load(ctx context.Context) ([]T, error) {
	var out []T
	err := c.store.View(ctx, func(v domain.TransactionView) error {
		all := c.list(v)
		out = make([]T, 0, len(all))
		for _, rec := range all {
			if c.filter == nil || c.filter(rec) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

// Get returns the record with the given document id.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var (
		rec   T
		found bool
	)
	err := c.store.View(ctx, func(v domain.TransactionView) error {
		rec, found = c.find(v, id)
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if !found || (c.filter != nil && !c.filter(rec)) {
		var zero T
		return zero, domain.NotFoundError{Entity: c.entity, ID: id}
	}
	return rec, nil
}

// List returns every record of the collection.
func (c *Collection[T]) List(ctx context.Context, opts ...QueryOption) ([]T, error) {
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return c.order(records, opts)
}

// Query returns the records whose field equals value. Only declared fields are
// queryable, matching a store that offers single-field equality indexes only.
func (c *Collection[T]) Query(ctx context.Context, field, value string, opts ...QueryOption) ([]T, error) {
	extract, ok := c.fields[field]
	if !ok {
		return nil, domain.InvalidInput("%s has no equality index on %q", c.entity, field)
	}
	records, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if extract(rec) == value {
			out = append(out, rec)
		}
	}
	return c.order(out, opts)
}

func (c *Collection[T]) order(records []T, opts []QueryOption) ([]T, error) {
	var o queryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.orderBy == "" {
		return records, nil
	}
	extract, ok := c.fields[o.orderBy]
	if !ok {
		return nil, domain.InvalidInput("%s cannot be ordered by %q", c.entity, o.orderBy)
	}
	sort.SliceStable(records, func(i, j int) bool { return extract(records[i]) < extract(records[j]) })
	return records, nil
}

// Subscribe streams full-collection snapshots, starting with the current state.
// The optional predicate narrows each snapshot. The subscription ends when ctx is
// cancelled or the stream is closed; both release the underlying store watch.
func (c *Collection[T]) Subscribe(ctx context.Context, predicate func(T) bool) *Stream[Snapshot[T]] {
	stream := NewStream[Snapshot[T]]()
	watch := c.store.Watch(c.entity)

	emit := func(seq uint64) {
		records, err := c.load(ctx)
		if err != nil {
			stream.Publish(Snapshot[T]{Seq: seq, Err: c.subscriptionError(err)})
			return
		}
		if predicate != nil {
			kept := records[:0]
			for _, rec := range records {
				if predicate(rec) {
					kept = append(kept, rec)
				}
			}
			records = kept
		}
		stream.Publish(Snapshot[T]{Records: records, Seq: seq})
	}

	go func() {
		defer watch.Close()
		emit(0)
		for {
			select {
			case <-ctx.Done():
				stream.Close()
				return
			case <-stream.Done():
				return
			case n, ok := <-watch.C():
				if !ok {
					stream.Publish(Snapshot[T]{Err: c.subscriptionError(ErrWatchClosed)})
					stream.Close()
					return
				}
				emit(n.Seq)
			}
		}
	}()
	return stream
}

// WatchDocument streams a single record, emitting the current state first and
// then only when the record itself changes or disappears.
func (c *Collection[T]) WatchDocument(ctx context.Context, id string) *Stream[Document[T]] {
	stream := NewStream[Document[T]]()
	watch := c.store.Watch(c.entity)

	var last Document[T]
	emitted := false
	emit := func(seq uint64) {
		rec, err := c.Get(ctx, id)
		doc := Document[T]{Seq: seq}
		switch {
		case err == nil:
			doc.Record, doc.Found = rec, true
		case errors.Is(err, domain.ErrNotFound):
		default:
			stream.Publish(Document[T]{Seq: seq, Err: c.subscriptionError(err)})
			return
		}
		if emitted && doc.Found == last.Found && reflect.DeepEqual(doc.Record, last.Record) {
			return
		}
		last, emitted = doc, true
		stream.Publish(doc)
	}

	go func() {
		defer watch.Close()
		emit(0)
		for {
			select {
			case <-ctx.Done():
				stream.Close()
				return
			case <-stream.Done():
				return
			case n, ok := <-watch.C():
				if !ok {
					stream.Publish(Document[T]{Err: c.subscriptionError(ErrWatchClosed)})
					stream.Close()
					return
				}
				emit(n.Seq)
			}
		}
	}()
	return stream
}

func (c *Collection[T]) subscriptionError(err error) error {
	return domain.SubscriptionError{Entity: c.entity, Scope: c.scope, Err: err}
}
