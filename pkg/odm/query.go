package odm

import (
	"context"
	"fmt"
	"reflect"

	"github.com/conduit-lang/odm/internal/uow"
	"github.com/conduit-lang/odm/pkg/storage"
)

// QueryOption shapes the results of FindBy and FindRaw
type QueryOption func(*uow.Query)

// Select restricts loaded documents to keys. Documents already managed are
// completed with the selected keys they miss.
func Select(keys ...string) QueryOption {
	return func(q *uow.Query) {
		q.Options.Projection = append(q.Options.Projection, keys...)
	}
}

// Sort orders results by storage keys. A leading "-" sorts descending.
func Sort(exprs ...string) QueryOption {
	return func(q *uow.Query) {
		q.Options.Sort = append(q.Options.Sort, storage.ParseSort(exprs...)...)
	}
}

// Skip skips the first n results
func Skip(n int) QueryOption {
	return func(q *uow.Query) {
		q.Options.Skip = n
	}
}

// Limit returns at most n results
func Limit(n int) QueryOption {
	return func(q *uow.Query) {
		q.Options.Limit = n
	}
}

// ReadOnly returns untracked documents
func ReadOnly() QueryOption {
	return func(q *uow.Query) {
		q.Hints.ReadOnly = true
	}
}

// Refresh overwrites managed documents with their stored state
func Refresh() QueryOption {
	return func(q *uow.Query) {
		q.Hints.Refresh = true
	}
}

func newQuery(filter storage.Filter, opts []QueryOption) uow.Query {
	q := uow.Query{Filter: filter}
	for _, opt := range opts {
		opt(&q)
	}
	return q
}

// FindOne loads the document of type T with the given identifier. T is a
// pointer to a mapped struct or a mapped interface. A missing document is
// reported as storage.ErrNotFound.
func FindOne[T any](ctx context.Context, dm *DocumentManager, id any) (T, error) {
	var zero T
	obj, err := dm.Find(ctx, reflect.TypeOf((*T)(nil)).Elem(), id)
	if err != nil {
		return zero, err
	}
	if obj == nil {
		return zero, fmt.Errorf("%w: %s %v", storage.ErrNotFound, reflect.TypeOf((*T)(nil)).Elem(), id)
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("document %v is a %T, not a %s", id, obj, reflect.TypeOf((*T)(nil)).Elem())
	}
	return v, nil
}

// FindAll loads the documents of type T matching filter
func FindAll[T any](ctx context.Context, dm *DocumentManager, filter storage.Filter, opts ...QueryOption) ([]T, error) {
	objs, err := dm.FindBy(ctx, reflect.TypeOf((*T)(nil)).Elem(), filter, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(objs))
	for _, obj := range objs {
		v, ok := obj.(T)
		if !ok {
			return nil, fmt.Errorf("document %T is not a %s", obj, reflect.TypeOf((*T)(nil)).Elem())
		}
		out = append(out, v)
	}
	return out, nil
}
