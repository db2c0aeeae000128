package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduit-lang/odm/pkg/document"
	"github.com/conduit-lang/odm/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ storage.DocumentStorage = (*Store)(nil)
	_ storage.Counter         = (*Store)(nil)
	_ storage.Sequencer       = (*Store)(nil)
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, "test"), mr
}

func findAll(t *testing.T, s *Store, coll string, filter storage.Filter, opts storage.FindOptions) []document.Raw {
	t.Helper()
	ctx := context.Background()
	cursor, err := s.Find(ctx, coll, filter, opts)
	require.NoError(t, err)
	docs, err := storage.All(ctx, cursor)
	require.NoError(t, err)
	return docs
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := Open(context.Background(), Config{Addr: mr.Addr(), Prefix: "odm"})
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestOpen_ConnectionError(t *testing.T) {
	_, err := Open(context.Background(), Config{Addr: "localhost:99999"})
	assert.Error(t, err)
}

func TestStore_InsertStoresHashFields(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)

	results, err := s.Insert(ctx, "users", []document.Raw{{"_id": "u1", "name": "jon"}, {"_id": 2}})
	require.NoError(t, err)
	_, firstErr := storage.FirstError(results)
	require.NoError(t, firstErr)

	assert.Equal(t, `{"_id":"u1","name":"jon"}`, mr.HGet("test:users", "s:u1"))
	assert.Equal(t, `{"_id":2}`, mr.HGet("test:users", "n:2"))
}

func TestStore_InsertDuplicateAbortsBatch(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)

	_, err := s.Insert(ctx, "users", []document.Raw{{"_id": "u1"}})
	require.NoError(t, err)

	results, err := s.Insert(ctx, "users", []document.Raw{{"_id": "u2"}, {"_id": "u1"}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, storage.ErrBatchAborted)
	assert.ErrorIs(t, results[1].Err, storage.ErrDuplicateKey)

	assert.Empty(t, mr.HGet("test:users", "s:u2"))
}

func TestStore_FindSortAndFilter(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)

	_, err := s.Insert(ctx, "posts", []document.Raw{
		{"_id": "p1", "title": "b", "score": 3},
		{"_id": "p2", "title": "a", "score": 5},
		{"_id": "p3", "title": "c", "score": 1},
	})
	require.NoError(t, err)

	docs := findAll(t, s, "posts", storage.Filter{"score": map[string]any{"$gt": 1}}, storage.FindOptions{Sort: storage.ParseSort("title")})
	require.Len(t, docs, 2)
	assert.Equal(t, "p2", docs[0]["_id"])
	assert.Equal(t, "p1", docs[1]["_id"])

	docs = findAll(t, s, "posts", storage.ByID("p3"), storage.FindOptions{})
	require.Len(t, docs, 1)
	assert.Equal(t, float64(1), docs[0]["score"])

	assert.Empty(t, findAll(t, s, "posts", storage.ByID("nope"), storage.FindOptions{}))
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)

	_, err := s.Insert(ctx, "users", []document.Raw{{"_id": "u1", "friends": []any{"a"}}})
	require.NoError(t, err)

	results, err := s.Update(ctx, "users", []storage.Update{
		{ID: "u1", Set: map[string]any{"name": "jon"}},
		{ID: "u1", AddToSet: map[string][]any{"friends": {"a", "b"}}},
	})
	require.NoError(t, err)
	_, firstErr := storage.FirstError(results)
	require.NoError(t, firstErr)

	docs := findAll(t, s, "users", nil, storage.FindOptions{})
	assert.Equal(t, []document.Raw{{"_id": "u1", "name": "jon", "friends": []any{"a", "b"}}}, docs)

	results, err = s.Update(ctx, "users", []storage.Update{{ID: "ghost", Set: map[string]any{"x": 1}}})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, storage.ErrNotFound)
}

func TestStore_DeleteAndCount(t *testing.T) {
	ctx := context.Background()
	s, _ := setupTestRedis(t)

	_, err := s.Insert(ctx, "users", []document.Raw{{"_id": 1, "active": true}, {"_id": 2, "active": false}, {"_id": 3, "active": true}})
	require.NoError(t, err)

	n, err := s.Count(ctx, "users", storage.Filter{"active": true})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.Delete(ctx, "users", []any{1, 99})
	require.NoError(t, err)

	n, err = s.Count(ctx, "users", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_NextSequence(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)

	first, err := s.NextSequence(ctx, "users")
	require.NoError(t, err)
	second, err := s.NextSequence(ctx, "users")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	got, err := mr.Get("test:seq:users")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestStore_ServerDown(t *testing.T) {
	ctx := context.Background()
	s, mr := setupTestRedis(t)
	mr.Close()

	_, err := s.Find(ctx, "users", nil, storage.FindOptions{})
	assert.Error(t, err)
	_, err = s.Insert(ctx, "users", []document.Raw{{"_id": 1}})
	assert.Error(t, err)
}
