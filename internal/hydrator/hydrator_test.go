package hydrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conduit-lang/odm/internal/mapping"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type User struct {
	document.Document `odm:"collection=users"`
	ID                int                                 `odm:"_id,id"`
	Title             *string                             `odm:"title,nullable"`
	Name              string                              `odm:"name"`
	Birthdate         *time.Time                          `odm:"birthdate"`
	ReferenceOne      document.Ref[*ReferenceOne]         `odm:"referenceOne"`
	ReferenceMany     document.Collection[*ReferenceMany] `odm:"referenceMany"`
	EmbedOne          *EmbedOne                           `odm:"embedOne"`
	EmbedMany         document.Collection[*EmbedMany]     `odm:"embedMany"`
}

type ReferenceOne struct {
	document.Document
	ID   string
	Name string
}

type ReferenceMany struct {
	document.Document
	ID   string
	Name string
}

type EmbedOne struct {
	Name string `odm:"name"`
}

type EmbedMany struct {
	Name string `odm:"name"`
}

type Shape interface{ Area() float64 }

type Circle struct {
	R float64 `odm:"r"`
}

func (c *Circle) Area() float64 { return 3 * c.R * c.R }

type Square struct {
	S float64 `odm:"s"`
}

func (s *Square) Area() float64 { return s.S * s.S }

type Canvas struct {
	document.Document `odm:"collection=canvases"`
	ID                string                     `odm:"_id,id"`
	Main              Shape                      `odm:"main"`
	Shapes            document.Collection[Shape] `odm:"shapes"`
	Owner             document.Ref[*Author]      `odm:"owner,storeAs=id"`
	Tags              []string                   `odm:"tags"`
	Meta              map[string]any             `odm:"meta"`
}

type Author struct {
	document.Document `odm:"collection=authors"`
	ID                string
	Canvases          document.Collection[*Canvas] `odm:"canvases,mappedBy=Owner,extraLazy"`
}

// fakeSession records the calls the hydrator makes into the unit of work
type fakeSession struct {
	catalog  *mapping.Catalog
	objects  map[string]any
	ghosts   map[any]bool
	embedded map[any]string
	original map[any]map[string]any
	inverse  []any
}

func newFakeSession(catalog *mapping.Catalog) *fakeSession {
	return &fakeSession{
		catalog:  catalog,
		objects:  make(map[string]any),
		ghosts:   make(map[any]bool),
		embedded: make(map[any]string),
		original: make(map[any]map[string]any),
	}
}

func (s *fakeSession) GetReference(meta *mapping.ClassMetadata, id any) (any, error) {
	key := fmt.Sprintf("%s/%v", meta.RootName(), id)
	if obj, ok := s.objects[key]; ok {
		return obj, nil
	}
	obj := meta.NewInstance()
	if err := meta.SetID(obj, id); err != nil {
		return nil, err
	}
	s.objects[key] = obj
	s.ghosts[obj] = true
	return obj, nil
}

func (s *fakeSession) RegisterEmbedded(obj any, _ *mapping.ClassMetadata, _ any, field string) {
	s.embedded[obj] = field
}

func (s *fakeSession) SetOriginalData(obj any, _ *mapping.ClassMetadata, data map[string]any) {
	s.original[obj] = data
}

func (s *fakeSession) LoadInverse(context.Context, any, *mapping.ClassMetadata, *mapping.FieldMapping) ([]any, error) {
	return s.inverse, nil
}

func (s *fakeSession) CountInverse(context.Context, any, *mapping.ClassMetadata, *mapping.FieldMapping) (int, error) {
	return len(s.inverse), nil
}

func (s *fakeSession) IsInitialized(obj any) bool {
	return !s.ghosts[obj]
}

func (s *fakeSession) Initialize(_ context.Context, obj any) error {
	delete(s.ghosts, obj)
	return nil
}

func setup(t *testing.T) (*Factory, *fakeSession) {
	t.Helper()
	catalog := mapping.NewCatalog(
		mapping.Polymorphic[Shape]("type", map[string]any{
			"circle": (*Circle)(nil),
			"square": (*Square)(nil),
		}),
	)
	session := newFakeSession(catalog)
	return NewFactory(catalog, session), session
}

func TestHydrate(t *testing.T) {
	ctx := context.Background()
	h, session := setup(t)
	birthdate := time.Date(1961, 1, 1, 0, 0, 0, 0, time.UTC)

	user := &User{}
	data, err := h.Hydrate(ctx, user, document.Raw{
		"_id":          1,
		"title":        nil,
		"name":         "jon",
		"birthdate":    birthdate,
		"referenceOne": map[string]any{"$id": "1"},
		"referenceMany": []any{
			map[string]any{"$id": "1"},
			map[string]any{"$id": "2"},
		},
		"embedOne":  map[string]any{"name": "jon"},
		"embedMany": []any{map[string]any{"name": "jon"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, user.ID)
	assert.Nil(t, user.Title)
	assert.Equal(t, "jon", user.Name)
	require.NotNil(t, user.Birthdate)
	assert.True(t, birthdate.Equal(*user.Birthdate))

	t.Run("reference one is a placeholder", func(t *testing.T) {
		assert.False(t, user.ReferenceOne.IsNil())
		assert.False(t, user.ReferenceOne.IsLoaded())
		assert.Equal(t, "1", user.ReferenceOne.ID())
		assert.Equal(t, "1", user.ReferenceOne.Peek().ID)

		target, err := user.ReferenceOne.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, user.ReferenceOne.Peek(), target)
		assert.True(t, user.ReferenceOne.IsLoaded())
	})

	t.Run("reference many is an uninitialized collection", func(t *testing.T) {
		assert.False(t, user.ReferenceMany.IsInitialized())
		assert.True(t, user.ReferenceMany.IsBound())

		refs, err := user.ReferenceMany.All(ctx)
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "1", refs[0].ID)
		assert.Equal(t, "2", refs[1].ID)
		assert.True(t, session.ghosts[refs[0]])
		assert.True(t, session.ghosts[refs[1]])
		assert.False(t, user.ReferenceMany.IsDirty())
	})

	t.Run("embedded documents", func(t *testing.T) {
		require.NotNil(t, user.EmbedOne)
		assert.Equal(t, "jon", user.EmbedOne.Name)
		assert.Equal(t, "EmbedOne", session.embedded[user.EmbedOne])

		assert.False(t, user.EmbedMany.IsInitialized())
		first, err := user.EmbedMany.Get(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, "jon", first.Name)
		assert.Equal(t, "EmbedMany", session.embedded[first])
	})

	t.Run("original data is refreshed", func(t *testing.T) {
		assert.Equal(t, data, session.original[user])
		assert.Contains(t, data, "Name")
		assert.Contains(t, data, "EmbedMany")
		assert.Contains(t, session.original, user.EmbedOne)
	})
}

func TestHydrate_ProxyWithMissingAssociations(t *testing.T) {
	ctx := context.Background()
	h, session := setup(t)

	meta, err := h.Catalog().GetMetadataFor(&User{})
	require.NoError(t, err)
	ghost, err := session.GetReference(meta, 1)
	require.NoError(t, err)
	user := ghost.(*User)

	_, err = h.Hydrate(ctx, user, document.Raw{"_id": 1, "title": nil, "name": "jon"})
	require.NoError(t, err)

	assert.Equal(t, 1, user.ID)
	assert.Nil(t, user.Title)
	assert.Equal(t, "jon", user.Name)
	assert.Nil(t, user.Birthdate)
	assert.True(t, user.ReferenceOne.IsNil())
	assert.True(t, user.ReferenceMany.IsBound())
	assert.Nil(t, user.EmbedOne)
	assert.True(t, user.EmbedMany.IsBound())

	n, err := user.EmbedMany.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHydrate_ReadOnly(t *testing.T) {
	ctx := context.Background()
	h, session := setup(t)

	user := &User{}
	_, err := h.Hydrate(ctx, user, document.Raw{
		"_id":       1,
		"name":      "maciej",
		"birthdate": time.Date(1961, 1, 1, 0, 0, 0, 0, time.UTC),
		"embedOne":  map[string]any{"name": "maciej"},
		"embedMany": []any{map[string]any{"name": "maciej"}},
	}, ReadOnly())
	require.NoError(t, err)

	first, err := user.EmbedMany.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "maciej", first.Name)

	assert.NotContains(t, session.original, user)
	assert.NotContains(t, session.original, user.EmbedOne)
	assert.NotContains(t, session.embedded, user.EmbedOne)
	assert.NotContains(t, session.embedded, first)
}

func TestHydrate_WrongTypes(t *testing.T) {
	tests := []struct {
		field   string
		message string
	}{
		{"embedOne", `expected association for field "embedOne" in document of type "hydrator.User" to be of type "object", "string" received`},
		{"embedMany", `expected association for field "embedMany" in document of type "hydrator.User" to be of type "array", "string" received`},
		{"referenceOne", `expected association for field "referenceOne" in document of type "hydrator.User" to be of type "object", "string" received`},
		{"referenceMany", `expected association for field "referenceMany" in document of type "hydrator.User" to be of type "array", "string" received`},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			h, _ := setup(t)
			_, err := h.Hydrate(context.Background(), &User{}, document.Raw{"_id": 1, tt.field: "jon"})
			require.Error(t, err)

			var hydrationErr *Error
			require.True(t, errors.As(err, &hydrationErr))
			assert.True(t, IsHydrationError(err))
			assert.Equal(t, tt.field, hydrationErr.Field)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestHydrate_WrongElementTypes(t *testing.T) {
	ctx := context.Background()

	t.Run("embedMany", func(t *testing.T) {
		h, _ := setup(t)
		user := &User{}
		_, err := h.Hydrate(ctx, user, document.Raw{"_id": 1, "embedMany": []any{"jon"}})
		require.NoError(t, err)
		assert.True(t, user.EmbedMany.IsBound())

		err = user.EmbedMany.Initialize(ctx)
		require.Error(t, err)
		assert.True(t, IsHydrationError(err))
		assert.Contains(t, err.Error(),
			`expected association item with key "0" for field "embedMany" in document of type "hydrator.User" to be of type "object", "string" received`)
		assert.False(t, user.EmbedMany.IsInitialized())
	})

	t.Run("referenceMany", func(t *testing.T) {
		h, _ := setup(t)
		user := &User{}
		_, err := h.Hydrate(ctx, user, document.Raw{"_id": 1, "referenceMany": []any{"jon"}})
		require.NoError(t, err)

		err = user.ReferenceMany.Initialize(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(),
			`expected association item with key "0" for field "referenceMany" in document of type "hydrator.User" to be of type "object", "string" received`)
	})
}

func TestHydrate_PartialOnError(t *testing.T) {
	h, session := setup(t)
	user := &User{Name: "before"}

	_, err := h.Hydrate(context.Background(), user, document.Raw{"_id": 1, "name": "jon", "embedOne": 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"int" received`)

	assert.Equal(t, "jon", user.Name)
	assert.NotContains(t, session.original, user)
}

func TestHydrate_AbsentFieldsUntouched(t *testing.T) {
	h, _ := setup(t)
	title := "Mr."
	user := &User{Name: "kept", Title: &title}

	_, err := h.Hydrate(context.Background(), user, document.Raw{"_id": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, user.ID)
	assert.Equal(t, "kept", user.Name)
	assert.Equal(t, "Mr.", *user.Title)
}

func TestHydrate_ScalarConversionError(t *testing.T) {
	h, _ := setup(t)
	_, err := h.Hydrate(context.Background(), &User{}, document.Raw{"_id": "one"})
	require.Error(t, err)
	assert.True(t, IsHydrationError(err))
	assert.Contains(t, err.Error(), `cannot hydrate field "_id"`)
}

func TestHydrate_BufferedMutations(t *testing.T) {
	ctx := context.Background()
	h, _ := setup(t)
	user := &User{}
	_, err := h.Hydrate(ctx, user, document.Raw{
		"_id":       1,
		"embedMany": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}},
	})
	require.NoError(t, err)

	added := &EmbedMany{Name: "c"}
	user.EmbedMany.Add(added)
	assert.False(t, user.EmbedMany.IsInitialized())
	assert.True(t, user.EmbedMany.IsDirty())

	items, err := user.EmbedMany.All(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Same(t, added, items[2])
	assert.Equal(t, []any{added}, user.EmbedMany.InsertDiff())
}

func TestHydrate_Polymorphic(t *testing.T) {
	ctx := context.Background()
	h, session := setup(t)

	canvas := &Canvas{}
	_, err := h.Hydrate(ctx, canvas, document.Raw{
		"_id":  "c1",
		"main": map[string]any{"type": "circle", "r": 2.0},
		"shapes": []any{
			map[string]any{"type": "square", "s": 3},
			map[string]any{"type": "circle", "r": 1},
		},
		"owner": "a1",
		"tags":  []any{"x", "y"},
		"meta":  map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	circle, ok := canvas.Main.(*Circle)
	require.True(t, ok)
	assert.Equal(t, 2.0, circle.R)

	shapes, err := canvas.Shapes.All(ctx)
	require.NoError(t, err)
	require.Len(t, shapes, 2)
	assert.IsType(t, &Square{}, shapes[0])
	assert.Equal(t, 9.0, shapes[0].Area())

	assert.Equal(t, "a1", canvas.Owner.ID())
	assert.True(t, session.ghosts[canvas.Owner.Peek()])
	assert.Equal(t, []string{"x", "y"}, canvas.Tags)
	assert.Equal(t, map[string]any{"k": "v"}, canvas.Meta)

	t.Run("unknown discriminator", func(t *testing.T) {
		_, err := h.Hydrate(ctx, &Canvas{}, document.Raw{"main": map[string]any{"type": "hexagon"}})
		require.Error(t, err)
		assert.True(t, mapping.IsMappingError(err))
	})

	t.Run("storeAs id rejects descriptors without id", func(t *testing.T) {
		_, err := h.Hydrate(ctx, &Canvas{}, document.Raw{"owner": map[string]any{"name": "x"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `to be of type "scalar", "object" received`)
	})
}

func TestHydrate_RefreshReusesEmbedded(t *testing.T) {
	ctx := context.Background()
	h, _ := setup(t)
	embed := &EmbedOne{Name: "old"}
	user := &User{EmbedOne: embed}

	_, err := h.Hydrate(ctx, user, document.Raw{"embedOne": map[string]any{"name": "new"}}, Refresh())
	require.NoError(t, err)
	assert.Same(t, embed, user.EmbedOne)
	assert.Equal(t, "new", embed.Name)

	_, err = h.Hydrate(ctx, user, document.Raw{"embedOne": map[string]any{"name": "newer"}})
	require.NoError(t, err)
	assert.NotSame(t, embed, user.EmbedOne)
}

func TestHydrate_InverseCollection(t *testing.T) {
	ctx := context.Background()
	h, session := setup(t)
	session.inverse = []any{&Canvas{ID: "c1"}, &Canvas{ID: "c2"}}

	author := &Author{}
	_, err := h.Hydrate(ctx, author, document.Raw{"_id": "a1"})
	require.NoError(t, err)
	assert.False(t, author.Canvases.IsInitialized())

	n, err := author.Canvases.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, author.Canvases.IsInitialized(), "extra lazy count does not load")

	canvases, err := author.Canvases.All(ctx)
	require.NoError(t, err)
	assert.Len(t, canvases, 2)
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	h, _ := setup(t)
	title := "Dr."
	birthdate := time.Date(1990, 5, 1, 12, 0, 0, 0, time.UTC)

	ref := &ReferenceOne{ID: "r1"}
	user := &User{
		ID:        7,
		Title:     &title,
		Name:      "jon",
		Birthdate: &birthdate,
		EmbedOne:  &EmbedOne{Name: "e1"},
		EmbedMany: document.NewCollection(&EmbedMany{Name: "m1"}),
	}
	user.ReferenceOne.Set(ref)
	user.ReferenceMany.Add(&ReferenceMany{ID: "rm1"})

	raw, err := h.Extract(user)
	require.NoError(t, err)

	assert.Equal(t, document.Raw{
		"_id":           int64(7),
		"title":         "Dr.",
		"name":          "jon",
		"birthdate":     birthdate,
		"referenceOne":  map[string]any{"$id": "r1", "$ref": "reference_one"},
		"referenceMany": []any{map[string]any{"$id": "rm1", "$ref": "reference_many"}},
		"embedOne":      document.Raw{"name": "e1"},
		"embedMany":     []any{document.Raw{"name": "m1"}},
	}, raw)

	t.Run("round trip", func(t *testing.T) {
		loaded := &User{}
		_, err := h.Hydrate(ctx, loaded, raw)
		require.NoError(t, err)

		assert.Equal(t, user.ID, loaded.ID)
		assert.Equal(t, user.Title, loaded.Title)
		assert.Equal(t, user.Name, loaded.Name)
		assert.True(t, user.Birthdate.Equal(*loaded.Birthdate))
		assert.Equal(t, user.EmbedOne, loaded.EmbedOne)
		assert.Equal(t, "r1", loaded.ReferenceOne.ID())

		items, err := loaded.EmbedMany.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*EmbedMany{{Name: "m1"}}, items)
	})

	t.Run("polymorphic and storeAs id", func(t *testing.T) {
		canvas := &Canvas{ID: "c1", Main: &Square{S: 2}}
		canvas.Shapes.Add(&Circle{R: 1})
		canvas.Owner.Set(&Author{ID: "a1"})

		raw, err := h.Extract(canvas)
		require.NoError(t, err)
		assert.Equal(t, document.Raw{"type": "square", "s": 2.0}, raw["main"])
		assert.Equal(t, []any{document.Raw{"type": "circle", "r": 1.0}}, raw["shapes"])
		assert.Equal(t, "a1", raw["owner"])
		assert.Nil(t, raw["tags"])

		author, err := h.Extract(&Author{ID: "a1"})
		require.NoError(t, err)
		assert.Equal(t, document.Raw{"_id": "a1"}, author, "inverse side is not stored")
	})

	t.Run("unset identifier is omitted", func(t *testing.T) {
		raw, err := h.Extract(&Canvas{})
		require.NoError(t, err)
		assert.NotContains(t, raw, "_id")
	})

	t.Run("reference without identifier", func(t *testing.T) {
		u := &User{ID: 1}
		u.ReferenceOne.Set(&ReferenceOne{})
		_, err := h.Extract(u)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no identifier")
	})
}
