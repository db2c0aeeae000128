package document

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct{ name string }

type stubLoader struct {
	pending map[any]bool
	err     error
}

func (l *stubLoader) IsInitialized(obj any) bool { return !l.pending[obj] }

func (l *stubLoader) Initialize(_ context.Context, obj any) error {
	if l.err != nil {
		return l.err
	}
	delete(l.pending, obj)
	return nil
}

func boundCollection(baseline ...*item) (*Collection[*item], *int) {
	loads := 0
	c := &Collection[*item]{}
	c.Bind(Binding{
		Owner: "owner",
		Field: "Items",
		Initializer: func(context.Context) ([]any, error) {
			loads++
			out := make([]any, len(baseline))
			for i, it := range baseline {
				out[i] = it
			}
			return out, nil
		},
	})
	return c, &loads
}

func TestCollection_ZeroValue(t *testing.T) {
	ctx := context.Background()
	var c Collection[*item]

	assert.True(t, c.IsInitialized())
	assert.False(t, c.IsBound())
	assert.False(t, c.IsDirty())

	a := &item{"a"}
	c.Add(a)
	assert.True(t, c.IsDirty())

	items, err := c.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*item{a}, items)

	copied := c
	assert.Equal(t, c.Identity(), copied.Identity(), "copies share state")
}

func TestCollection_BufferedMutations(t *testing.T) {
	ctx := context.Background()
	a, b, c := &item{"a"}, &item{"b"}, &item{"c"}

	t.Run("adds before initialization are replayed", func(t *testing.T) {
		coll, loads := boundCollection(a, b)
		coll.Add(c)
		assert.False(t, coll.IsInitialized())
		assert.Zero(t, *loads)

		items, err := coll.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*item{a, b, c}, items)
		assert.Equal(t, 1, *loads)
		assert.True(t, coll.IsDirty())
		assert.Equal(t, []any{c}, coll.InsertDiff())
		assert.Empty(t, coll.DeleteDiff())
	})

	t.Run("removals before initialization take effect after load", func(t *testing.T) {
		coll, _ := boundCollection(a, b)
		coll.Remove(a)

		items, err := coll.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*item{b}, items)
		assert.Equal(t, []any{a}, coll.DeleteDiff())
	})

	t.Run("program order is preserved", func(t *testing.T) {
		coll, _ := boundCollection(a)
		coll.Add(c)
		coll.Remove(c)
		coll.Add(b)

		items, err := coll.All(ctx)
		require.NoError(t, err)
		assert.Equal(t, []*item{a, b}, items)
	})

	t.Run("initialize is idempotent", func(t *testing.T) {
		coll, loads := boundCollection(a)
		require.NoError(t, coll.Initialize(ctx))
		require.NoError(t, coll.Initialize(ctx))
		_, err := coll.Contains(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, 1, *loads)
		assert.False(t, coll.IsDirty())
	})
}

func TestCollection_Reads(t *testing.T) {
	ctx := context.Background()
	a, b := &item{"a"}, &item{"b"}
	coll, _ := boundCollection(a, b)

	ok, err := coll.Contains(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := coll.Get(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = coll.Get(ctx, 5)
	assert.Error(t, err)

	n, err := coll.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCollection_CountWithoutLoading(t *testing.T) {
	ctx := context.Background()
	coll := &Collection[*item]{}
	coll.Bind(Binding{
		Raw: []any{"x", "y", "z"},
		Initializer: func(context.Context) ([]any, error) {
			return nil, errors.New("must not load")
		},
		Counter: func(context.Context) (int, error) { return 3, nil },
	})
	coll.Add(&item{"d"})
	coll.Remove(&item{"e"})
	coll.Add(&item{"f"})

	n, err := coll.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "removing a non-element does not shrink the count")
	assert.False(t, coll.IsInitialized())
	assert.Equal(t, []any{"x", "y", "z"}, coll.Raw())
}

func TestCollection_CountNeverUndercounts(t *testing.T) {
	ctx := context.Background()
	a, b, stranger := &item{"a"}, &item{"b"}, &item{"stranger"}

	tests := []struct {
		name     string
		baseline []*item
		ops      func(c *Collection[*item])
		want     int
	}{
		{"remove of a non-element", nil, func(c *Collection[*item]) {
			c.Remove(stranger)
			c.Add(a)
		}, 1},
		{"remove cancels a buffered add", []*item{a}, func(c *Collection[*item]) {
			c.Add(b)
			c.Remove(b)
		}, 1},
		{"remove of a baseline element", []*item{a, b}, func(c *Collection[*item]) {
			c.Remove(a)
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coll, _ := boundCollection(tt.baseline...)
			s := coll.st()
			s.binding.Counter = func(context.Context) (int, error) { return len(tt.baseline), nil }
			tt.ops(coll)

			counted, err := coll.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, counted)

			require.NoError(t, coll.Initialize(ctx))
			loaded, err := coll.Len(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, counted, loaded)
		})
	}
}

func TestCollection_InitializeError(t *testing.T) {
	ctx := context.Background()
	coll := &Collection[*item]{}
	coll.Bind(Binding{
		Initializer: func(context.Context) ([]any, error) {
			return nil, errors.New("boom")
		},
	})
	coll.Add(&item{"a"})

	_, err := coll.All(ctx)
	require.EqualError(t, err, "boom")
	assert.False(t, coll.IsInitialized())
	assert.True(t, coll.IsDirty(), "buffered mutations survive a failed load")
}

func TestCollection_SetAndSnapshot(t *testing.T) {
	ctx := context.Background()
	a, b, c := &item{"a"}, &item{"b"}, &item{"c"}
	coll, loads := boundCollection(a, b)

	coll.Set(c)
	assert.True(t, coll.IsReplaced())
	assert.True(t, coll.IsInitialized())
	assert.Zero(t, *loads, "replacing does not load")

	items, err := coll.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*item{c}, items)

	coll.TakeSnapshot()
	assert.False(t, coll.IsDirty())
	assert.False(t, coll.IsReplaced())
	assert.Equal(t, []any{c}, coll.Snapshot())

	coll.Clear()
	assert.True(t, coll.IsDirty())
	assert.Equal(t, []any{c}, coll.DeleteDiff())
}

func TestCollection_BindWithoutInitializer(t *testing.T) {
	a := &item{"a"}
	coll := NewCollection(a)
	coll.Bind(Binding{Owner: "owner", Field: "Items"})

	assert.True(t, coll.IsInitialized())
	assert.False(t, coll.IsDirty())
	assert.Equal(t, []any{a}, coll.Snapshot())

	owner, field := coll.Owner()
	assert.Equal(t, "owner", owner)
	assert.Equal(t, "Items", field)

	coll.SetElements([]any{a, &item{"b"}})
	assert.Len(t, coll.Elements(), 2)
	assert.False(t, coll.IsReplaced())
}

func TestCollection_Replace(t *testing.T) {
	coll, loads := boundCollection(&item{"a"})
	b := &item{"b"}
	coll.Replace([]any{b})

	assert.True(t, coll.IsInitialized())
	assert.True(t, coll.IsDirty())
	assert.True(t, coll.IsReplaced())
	assert.Equal(t, []any{b}, coll.Elements())
	assert.Equal(t, 0, *loads)
}

func TestRef(t *testing.T) {
	ctx := context.Background()

	t.Run("zero value", func(t *testing.T) {
		var r Ref[*item]
		assert.True(t, r.IsNil())
		assert.True(t, r.IsLoaded())
		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("set and clear", func(t *testing.T) {
		a := &item{"a"}
		r := RefTo(a)
		assert.False(t, r.IsNil())
		assert.Same(t, a, r.Peek())
		assert.Nil(t, r.ID())

		r.Set(nil)
		assert.True(t, r.IsNil())

		r.Set(a)
		r.Clear()
		assert.True(t, r.IsNil())
	})

	t.Run("unloaded target resolves on get", func(t *testing.T) {
		ghost := &item{}
		loader := &stubLoader{pending: map[any]bool{ghost: true}}

		var r Ref[*item]
		r.Bind(ghost, "id-1", loader)
		assert.False(t, r.IsLoaded())
		assert.Equal(t, "id-1", r.ID())
		assert.Equal(t, "id-1", r.TargetID())

		got, err := r.Get(ctx)
		require.NoError(t, err)
		assert.Same(t, ghost, got)
		assert.True(t, r.IsLoaded())
	})

	t.Run("load failure", func(t *testing.T) {
		ghost := &item{}
		loader := &stubLoader{pending: map[any]bool{ghost: true}, err: errors.New("offline")}

		var r Ref[*item]
		r.Bind(ghost, "id-2", loader)
		_, err := r.Get(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "id-2")
		assert.Contains(t, err.Error(), "offline")
	})

	t.Run("bind nil clears", func(t *testing.T) {
		r := RefTo(&item{})
		r.Bind((*item)(nil), nil, nil)
		assert.True(t, r.IsNil())
	})
}
