package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conduit-lang/odm/pkg/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocs() []document.Raw {
	return []document.Raw{
		{"_id": "1", "name": "jon", "age": 31, "tags": []any{"a", "b"}, "address": map[string]any{"city": "Oslo"}},
		{"_id": "2", "name": "ana", "age": 25.0, "tags": []any{"b"}, "address": map[string]any{"city": "Rome"}},
		{"_id": "3", "name": "bo", "age": int64(40), "items": []any{map[string]any{"sku": "x"}, map[string]any{"sku": "y"}}},
	}
}

func TestMatch(t *testing.T) {
	docs := sampleDocs()

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"empty filter", Filter{}, []string{"1", "2", "3"}},
		{"equality", Filter{"name": "jon"}, []string{"1"}},
		{"numbers of mixed types", Filter{"age": 25}, []string{"2"}},
		{"dotted path", Filter{"address.city": "Rome"}, []string{"2"}},
		{"array element", Filter{"tags": "b"}, []string{"1", "2"}},
		{"array of sub-documents", Filter{"items.sku": "y"}, []string{"3"}},
		{"in", Filter{"name": map[string]any{"$in": []any{"ana", "bo"}}}, []string{"2", "3"}},
		{"nin", Filter{"name": map[string]any{"$nin": []string{"ana"}}}, []string{"1", "3"}},
		{"ne", Filter{"name": map[string]any{"$ne": "jon"}}, []string{"2", "3"}},
		{"exists", Filter{"tags": map[string]any{"$exists": false}}, []string{"3"}},
		{"range", Filter{"age": map[string]any{"$gte": 30, "$lt": 40}}, []string{"1"}},
		{"conjunction", Filter{"tags": "b", "age": map[string]any{"$gt": 30}}, []string{"1"}},
		{"missing key", Filter{"nickname": "jo"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, doc := range docs {
				if Match(doc, tt.filter) {
					got = append(got, doc["_id"].(string))
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatch_ReferenceDescriptor(t *testing.T) {
	doc := document.Raw{"_id": "p1", "author": map[string]any{"$id": "u1", "$ref": "users"}}

	assert.True(t, Match(doc, Filter{"author.$id": "u1"}))
	assert.True(t, Match(doc, Filter{"author": map[string]any{"$id": "u1", "$ref": "users"}}))
	assert.False(t, Match(doc, Filter{"author": map[string]any{"$id": "u2", "$ref": "users"}}))
}

func TestEqual(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, Equal(1, 1.0))
	assert.True(t, Equal(int64(7), uint8(7)))
	assert.True(t, Equal(now, now.Format(time.RFC3339)))
	assert.True(t, Equal(map[string]any{"a": []any{1}}, map[string]any{"a": []any{1.0}}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, 0))
	assert.False(t, Equal("1", 1))
	assert.False(t, Equal([]any{1, 2}, []any{1}))
}

func TestApply(t *testing.T) {
	doc := document.Raw{
		"_id":  "1",
		"name": "jon",
		"tags": []any{"a", "b", "c"},
		"meta": map[string]any{"views": 1},
	}

	err := Apply(doc, Update{
		ID:       "1",
		Set:      map[string]any{"name": "jonas", "meta.views": 2, "profile.bio": "hi", "_id": "other"},
		Unset:    []string{"missing"},
		Pull:     map[string][]any{"tags": {"b"}},
		Push:     map[string][]any{"tags": {"d"}},
		AddToSet: map[string][]any{"labels": {"x", "x"}},
	})
	require.NoError(t, err)

	assert.Equal(t, document.Raw{
		"_id":     "1",
		"name":    "jonas",
		"tags":    []any{"a", "c", "d"},
		"meta":    map[string]any{"views": 2},
		"profile": map[string]any{"bio": "hi"},
		"labels":  []any{"x"},
	}, doc)
}

func TestApply_Unset(t *testing.T) {
	doc := document.Raw{"_id": "1", "a": map[string]any{"b": 1, "c": 2}}

	require.NoError(t, Apply(doc, Update{Unset: []string{"a.b"}}))
	assert.Equal(t, document.Raw{"_id": "1", "a": map[string]any{"c": 2}}, doc)
}

func TestApply_Errors(t *testing.T) {
	doc := document.Raw{"_id": "1", "name": "jon", "list": []any{1}}

	err := Apply(doc, Update{Push: map[string][]any{"name": {"x"}}})
	assert.EqualError(t, err, `field "name" is not an array`)

	err = Apply(doc, Update{Set: map[string]any{"name.first": "x"}})
	assert.EqualError(t, err, `cannot set "name.first": "name" is not a sub-document`)

	err = Apply(doc, Update{Set: map[string]any{"list.3": "x"}})
	assert.EqualError(t, err, `cannot set "list.3": invalid array index "3"`)
}

func TestApply_DoesNotAlias(t *testing.T) {
	tags := []any{"a"}
	doc := document.Raw{"_id": "1"}

	require.NoError(t, Apply(doc, Update{Set: map[string]any{"tags": tags}}))
	tags[0] = "changed"

	assert.Equal(t, []any{"a"}, doc["tags"])
}

func TestSelect(t *testing.T) {
	docs := sampleDocs()

	got := Select(docs, Filter{}, FindOptions{
		Sort:       ParseSort("-age"),
		Skip:       1,
		Limit:      1,
		Projection: []string{"name"},
	})
	assert.Equal(t, []document.Raw{{"_id": "1", "name": "jon"}}, got)

	got = Select(docs, Filter{"name": "ana"}, FindOptions{})
	require.Len(t, got, 1)
	got[0]["name"] = "changed"
	assert.Equal(t, "ana", docs[1]["name"])
}

func TestSortDocuments_MissingFirst(t *testing.T) {
	docs := []document.Raw{
		{"_id": "a", "rank": 2},
		{"_id": "b"},
		{"_id": "c", "rank": 1},
		{"_id": "d", "rank": nil},
	}

	SortDocuments(docs, []SortField{{Key: "rank"}})

	var ids []string
	for _, d := range docs {
		ids = append(ids, d["_id"].(string))
	}
	assert.Equal(t, []string{"b", "d", "c", "a"}, ids)
}

func TestProject_NestedKey(t *testing.T) {
	doc := document.Raw{"_id": 1, "address": map[string]any{"city": "Oslo", "zip": "0150"}, "name": "jon"}

	assert.Equal(t, document.Raw{"_id": 1, "address": map[string]any{"city": "Oslo"}}, Project(doc, []string{"address.city"}))
}

func TestPaginate(t *testing.T) {
	docs := sampleDocs()

	assert.Len(t, Paginate(docs, 0, 0), 3)
	assert.Len(t, Paginate(docs, 2, 0), 1)
	assert.Nil(t, Paginate(docs, 5, 0))
	assert.Len(t, Paginate(docs, 1, 1), 1)
}

func TestParseSort(t *testing.T) {
	assert.Equal(t, []SortField{{Key: "a"}, {Key: "b", Desc: true}, {Key: "c"}}, ParseSort("a, -b", "+c"))
	assert.Nil(t, ParseSort(""))
}

func TestCloneRaw(t *testing.T) {
	doc := document.Raw{"nested": map[string]any{"list": []any{map[string]any{"x": 1}}}, "ints": []int{1, 2}}
	clone := CloneRaw(doc)

	clone["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)["x"] = 2

	assert.Equal(t, 1, doc["nested"].(map[string]any)["list"].([]any)[0].(map[string]any)["x"])
	assert.Equal(t, []any{1, 2}, clone["ints"])
	assert.Nil(t, CloneRaw(nil))
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, NormalizeID(7), NormalizeID(7.0))
	assert.Equal(t, NormalizeID(int64(7)), NormalizeID(uint(7)))
	assert.Equal(t, "n:7", NormalizeID(7))
	assert.Equal(t, "n:1.5", NormalizeID(1.5))
	assert.Equal(t, "s:7", NormalizeID("7"))
	assert.NotEqual(t, NormalizeID("7"), NormalizeID(7))
}

func TestAbortBatch(t *testing.T) {
	cause := errors.New("boom")
	results := AbortBatch([]any{"a", "b", "c"}, 1, cause)

	require.Len(t, results, 3)
	assert.ErrorIs(t, results[0].Err, ErrBatchAborted)
	assert.ErrorIs(t, results[1].Err, cause)
	assert.ErrorIs(t, results[2].Err, ErrBatchAborted)
	assert.Equal(t, "c", results[2].ID)

	idx, err := FirstError(results)
	assert.Equal(t, 0, idx)
	assert.ErrorIs(t, err, ErrBatchAborted)

	idx, err = FirstError([]Result{{ID: 1}})
	assert.Equal(t, -1, idx)
	assert.NoError(t, err)
}

func TestSliceCursor(t *testing.T) {
	ctx := context.Background()
	cursor := NewSliceCursor(sampleDocs())
	assert.Equal(t, 3, cursor.Len())

	docs, err := All(ctx, cursor)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
	assert.False(t, cursor.Next(ctx))
}

func TestSliceCursor_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := All(ctx, NewSliceCursor(sampleDocs()))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDocumentID(t *testing.T) {
	id, err := DocumentID(document.Raw{"_id": 5})
	require.NoError(t, err)
	assert.Equal(t, 5, id)

	_, err = DocumentID(document.Raw{"name": "x"})
	assert.EqualError(t, err, "document has no _id")

	assert.NotEqual(t, NewID(), NewID())
}

func TestUpdate_IsEmpty(t *testing.T) {
	assert.True(t, Update{ID: 1}.IsEmpty())
	assert.False(t, Update{ID: 1, Unset: []string{"a"}}.IsEmpty())
}
