package uow

import (
	"context"
	"fmt"
	"testing"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/conduit-lang/odm/pkg/storage/memory"
	"github.com/stretchr/testify/require"
)

type Author struct {
	document.Document `odm:"collection=authors"`
	ID                string                     `odm:"_id,id"`
	Name              string                     `odm:"name"`
	Address           *Address                   `odm:"address"`
	Posts             document.Collection[*Post] `odm:"posts,mappedBy=Author"`
}

type Address struct {
	City string `odm:"city"`
}

type Post struct {
	document.Document `odm:"collection=posts"`
	ID                string                        `odm:"_id,id"`
	Title             string                        `odm:"title"`
	Author            document.Ref[*Author]         `odm:"author"`
	Tags              document.Collection[*Tag]     `odm:"tags,cascade=persist|remove"`
	Comments          document.Collection[*Comment] `odm:"comments"`
}

type Tag struct {
	document.Document `odm:"collection=tags"`
	ID                string `odm:"_id,id,strategy=storage"`
	Name              string `odm:"name"`
}

type Comment struct {
	Body string `odm:"body"`
}

type Invoice struct {
	document.Document `odm:"collection=invoices"`
	Number            int64   `odm:"_id,id,strategy=increment"`
	Total             float64 `odm:"total"`
}

type Setting struct {
	document.Document `odm:"collection=settings"`
	Key               string `odm:"_id,id,strategy=none"`
	Value             string `odm:"value"`

	loaded bool
}

func (s *Setting) PostLoad(context.Context) error {
	s.loaded = true
	return nil
}

type Node struct {
	document.Document `odm:"collection=nodes"`
	ID                string              `odm:"_id,id,strategy=storage"`
	Next              document.Ref[*Node] `odm:"next,cascade=persist"`
}

// Editor shares the authors collection and identifier space with Author
type Editor struct {
	document.Document `odm:"collection=authors"`
	ID                string `odm:"_id,id"`
	Name              string `odm:"name"`
}

type Vehicle interface{ Wheels() int }

type Car struct {
	document.Document `odm:"collection=vehicles"`
	ID                string `odm:"_id,id"`
	Seats             int    `odm:"seats"`
}

func (*Car) Wheels() int { return 4 }

type Bike struct {
	document.Document `odm:"collection=vehicles"`
	ID                string `odm:"_id,id"`
	Gears             int    `odm:"gears"`
}

func (*Bike) Wheels() int { return 2 }

type Shape interface{ Area() float64 }

type Circle struct {
	Radius float64 `odm:"radius"`
}

func (c *Circle) Area() float64 { return 3.14 * c.Radius * c.Radius }

// blob satisfies Shape without being a mappable struct
type blob string

func (blob) Area() float64 { return 0 }

type Drawing struct {
	document.Document `odm:"collection=drawings"`
	ID                string `odm:"_id,id"`
	Shape             Shape  `odm:"shape"`
}

func newCatalog() *mapping.Catalog {
	return mapping.NewCatalog(
		mapping.Polymorphic[Vehicle]("kind", map[string]any{
			"car":  (*Car)(nil),
			"bike": (*Bike)(nil),
		}),
	)
}

func setup(t *testing.T, opts ...Option) (*UnitOfWork, *recorder) {
	t.Helper()
	rec := newRecorder()
	return New(newCatalog(), rec, opts...), rec
}

func metaOf(t *testing.T, u *UnitOfWork, v any) *mapping.ClassMetadata {
	t.Helper()
	meta, err := u.Catalog().GetMetadataFor(v)
	require.NoError(t, err)
	return meta
}

func seed(rec *recorder) {
	rec.Load("authors", document.Raw{"_id": "a1", "name": "jon", "address": map[string]any{"city": "Oslo"}})
	rec.Load("tags",
		document.Raw{"_id": "t1", "name": "go"},
		document.Raw{"_id": "t2", "name": "odm"},
		document.Raw{"_id": "t3", "name": "db"},
	)
	rec.Load("posts", document.Raw{
		"_id":      "p1",
		"title":    "Hello",
		"author":   map[string]any{"$id": "a1", "$ref": "authors"},
		"tags":     []any{map[string]any{"$id": "t1", "$ref": "tags"}, map[string]any{"$id": "t2", "$ref": "tags"}},
		"comments": []any{map[string]any{"body": "hi"}},
	})
}

// recorder is a memory store that logs every write batch
type recorder struct {
	*memory.Store
	calls   []string
	updates map[string][]storage.Update
}

func newRecorder() *recorder {
	return &recorder{Store: memory.New(), updates: make(map[string][]storage.Update)}
}

func (r *recorder) Insert(ctx context.Context, coll string, docs []document.Raw) ([]storage.Result, error) {
	r.calls = append(r.calls, fmt.Sprintf("insert %s %d", coll, len(docs)))
	return r.Store.Insert(ctx, coll, docs)
}

func (r *recorder) Update(ctx context.Context, coll string, updates []storage.Update) ([]storage.Result, error) {
	r.calls = append(r.calls, fmt.Sprintf("update %s %d", coll, len(updates)))
	r.updates[coll] = append(r.updates[coll], updates...)
	return r.Store.Update(ctx, coll, updates)
}

func (r *recorder) Delete(ctx context.Context, coll string, ids []any) ([]storage.Result, error) {
	r.calls = append(r.calls, fmt.Sprintf("delete %s %d", coll, len(ids)))
	return r.Store.Delete(ctx, coll, ids)
}

func (r *recorder) reset() {
	r.calls = nil
	r.updates = make(map[string][]storage.Update)
}
