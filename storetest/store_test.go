package storetest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAndGetDocument(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	ref, err := s.Put(ctx, "doc1", "", map[string]interface{}{"a": 1}, false)
	require.NoError(t, err)
	assert.Equal(t, "doc1", ref.DocID)
	assert.Equal(t, 1, ref.Generation())

	got, err := s.GetDocument(ctx, "doc1", store.ContentOptions{})
	require.NoError(t, err)
	assert.Equal(t, ref.RevID, got.RevID)
	assert.Equal(t, 1, got.Body["a"])
}

func TestPutConflict(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	_, err := s.Put(ctx, "doc1", "", map[string]interface{}{}, false)
	require.NoError(t, err)

	_, err = s.Put(ctx, "doc1", "wrong-rev", map[string]interface{}{}, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrConflict))
}

func TestGetDocumentNotFound(t *testing.T) {
	s := storetest.New("test")
	_, err := s.GetDocument(context.Background(), "missing", store.ContentOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestGetLocalDocumentNotFound(t *testing.T) {
	s := storetest.New("test")
	_, err := s.GetLocalDocument(context.Background(), "_local/checkpoint")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestPutLocalAndGet(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	require.NoError(t, s.PutLocal(ctx, "_local/x", map[string]interface{}{"lastSequence": "5"}))
	body, err := s.GetLocalDocument(ctx, "_local/x")
	require.NoError(t, err)
	assert.Equal(t, "5", body["lastSequence"])
}

func TestForceInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	rev := revision.Ref{DocID: "doc1", RevID: "1-abc"}
	require.NoError(t, s.ForceInsert(ctx, rev, []string{"1-abc"}))
	require.NoError(t, s.ForceInsert(ctx, rev, []string{"1-abc"})) // duplicate, no-op

	all, err := s.GetAllRevisions(ctx, "doc1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestChangesSinceNonConflictModeIncludesWinningDoc(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	_, err := s.Put(ctx, "doc1", "", map[string]interface{}{"v": 1}, false)
	require.NoError(t, err)

	changesList, err := s.ChangesSince(ctx, 0, store.ChangesOptions{SortBySequence: true, IncludeDocs: true}, nil, nil)
	require.NoError(t, err)
	require.Len(t, changesList, 1)
	assert.Equal(t, "doc1", changesList[0].DocID)
	assert.NotNil(t, changesList[0].Doc)
}

func TestChangesSinceValidatesOptions(t *testing.T) {
	s := storetest.New("test")
	_, err := s.ChangesSince(context.Background(), 0, store.ChangesOptions{SortBySequence: true, IncludeConflicts: true}, nil, nil)
	assert.Error(t, err)
}

func TestFindMissingRevisions(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	ref, err := s.Put(ctx, "doc1", "", map[string]interface{}{}, false)
	require.NoError(t, err)

	candidates := revision.List{ref, {DocID: "doc1", RevID: "99-nope"}}
	missing, err := s.FindMissingRevisions(ctx, candidates)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "99-nope", missing[0].RevID)
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := storetest.New("test")

	require.NoError(t, s.SetLastSequence(ctx, "42", "ckpt-1"))
	seq, err := s.LastSequenceWithCheckpointID(ctx, "ckpt-1")
	require.NoError(t, err)
	assert.Equal(t, "42", seq)
}

func TestCompileFilterNotImplemented(t *testing.T) {
	s := storetest.New("test")
	_, err := s.CompileFilter(context.Background(), "ddoc", "filtername")
	assert.True(t, errors.Is(err, store.ErrNotImplemented))
}
