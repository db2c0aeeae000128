package memory

import (
	"context"
	"testing"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ storage.DocumentStorage = (*Store)(nil)
var _ storage.Counter = (*Store)(nil)
var _ storage.Sequencer = (*Store)(nil)

func find(t *testing.T, s *Store, coll string, filter storage.Filter) []document.Raw {
	t.Helper()
	cursor, err := s.Find(context.Background(), coll, filter, storage.FindOptions{})
	require.NoError(t, err)
	docs, err := storage.All(context.Background(), cursor)
	require.NoError(t, err)
	return docs
}

func TestStore_InsertAndFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	results, err := s.Insert(ctx, "users", []document.Raw{
		{"_id": 1, "name": "jon"},
		{"name": "ana"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 1, results[0].ID)
	assert.IsType(t, "", results[1].ID)

	docs := find(t, s, "users", nil)
	require.Len(t, docs, 2)
	assert.Equal(t, "jon", docs[0]["name"])
	assert.Equal(t, results[1].ID, docs[1]["_id"])

	docs = find(t, s, "users", storage.Filter{"_id": 1.0})
	require.Len(t, docs, 1)
	assert.Equal(t, "jon", docs[0]["name"])

	assert.Empty(t, find(t, s, "missing", nil))
}

func TestStore_CopiesDocuments(t *testing.T) {
	ctx := context.Background()
	s := New()
	doc := document.Raw{"tags": []any{"x"}}

	_, err := s.Insert(ctx, "items", []document.Raw{doc})
	require.NoError(t, err)
	doc["tags"].([]any)[0] = "changed"

	found := find(t, s, "items", nil)
	assert.Equal(t, []any{"x"}, found[0]["tags"])
	assert.NotContains(t, doc, "_id")

	found[0]["tags"] = nil
	assert.Equal(t, []any{"x"}, find(t, s, "items", nil)[0]["tags"])
}

func TestStore_InsertBatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Load("users", document.Raw{"_id": "2", "name": "existing"})

	results, err := s.Insert(ctx, "users", []document.Raw{
		{"_id": "1"},
		{"_id": "2"},
		{"_id": "3"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0].Err, storage.ErrBatchAborted)
	assert.ErrorIs(t, results[1].Err, storage.ErrDuplicateKey)
	assert.ErrorIs(t, results[2].Err, storage.ErrBatchAborted)

	assert.Len(t, find(t, s, "users", nil), 1)
}

func TestStore_InsertDuplicateWithinBatch(t *testing.T) {
	results, err := New().Insert(context.Background(), "users", []document.Raw{{"_id": 1}, {"_id": 1.0}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[1].Err, storage.ErrDuplicateKey)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Load("users", document.Raw{"_id": "1", "name": "jon", "tags": []any{"a"}})

	results, err := s.Update(ctx, "users", []storage.Update{
		{ID: "1", Set: map[string]any{"name": "jonas"}},
		{ID: "1", Push: map[string][]any{"tags": {"b"}}},
	})
	require.NoError(t, err)
	_, firstErr := storage.FirstError(results)
	require.NoError(t, firstErr)

	assert.Equal(t, []document.Raw{{"_id": "1", "name": "jonas", "tags": []any{"a", "b"}}}, s.Dump("users"))
}

func TestStore_UpdateMissingAbortsBatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Load("users", document.Raw{"_id": "1", "name": "jon"})

	results, err := s.Update(ctx, "users", []storage.Update{
		{ID: "1", Set: map[string]any{"name": "jonas"}},
		{ID: "404", Set: map[string]any{"name": "ghost"}},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, storage.ErrBatchAborted)
	assert.ErrorIs(t, results[1].Err, storage.ErrNotFound)

	assert.Equal(t, "jon", s.Dump("users")[0]["name"])
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Load("users", document.Raw{"_id": "1"}, document.Raw{"_id": "2"})

	results, err := s.Delete(ctx, "users", []any{"1", "404"})
	require.NoError(t, err)
	_, firstErr := storage.FirstError(results)
	assert.NoError(t, firstErr)

	assert.Equal(t, []document.Raw{{"_id": "2"}}, s.Dump("users"))
}

func TestStore_CountAndSequence(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Load("posts", document.Raw{"_id": 1, "author": "a"}, document.Raw{"_id": 2, "author": "b"}, document.Raw{"_id": 3, "author": "a"})

	n, err := s.Count(ctx, "posts", storage.Filter{"author": "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := s.NextSequence(ctx, "posts")
	require.NoError(t, err)
	second, err := s.NextSequence(ctx, "posts")
	require.NoError(t, err)
	other, err := s.NextSequence(ctx, "users")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Find(ctx, "users", nil, storage.FindOptions{})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Insert(ctx, "users", []document.Raw{{"_id": 1}})
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.NextSequence(ctx, "users")
	assert.ErrorIs(t, err, storage.ErrClosed)
}
