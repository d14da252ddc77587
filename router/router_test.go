package router_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goydb/syncd/router"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() (*router.Server, *storetest.Store) {
	db := storetest.New("testdb")
	s := router.NewServer(func(name string) store.Database { return storetest.New(name) })
	s.Mount("testdb", db)
	return s, db
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRootAndAllDBs(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/_all_dbs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Contains(t, names, "testdb")
}

func TestDocCreateGetRoundTrip(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{"hello": "world"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var putResp struct {
		OK  bool   `json:"ok"`
		ID  string `json:"id"`
		Rev string `json:"rev"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &putResp))
	assert.True(t, putResp.OK)
	assert.Equal(t, "doc1", putResp.ID)
	assert.NotEmpty(t, putResp.Rev)

	rec = doJSON(t, h, http.MethodGet, "/testdb/doc1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "world", got["hello"])
	assert.Equal(t, "doc1", got["_id"])
}

func TestDocGetNotFound(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/testdb/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "not_found", env["error"])
}

func TestDocPutConflictReturns409(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{"v": 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	// second PUT without _rev collides with the existing winner.
	rec = doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{"v": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "conflict", env["error"])
}

func TestDatabaseNotFoundGivesBadIDOrNotFound(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/nosuchdb/", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBulkDocsNewEditsFalse(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	body := map[string]interface{}{
		"new_edits": false,
		"docs": []map[string]interface{}{
			{
				"_id":  "doc1",
				"_rev": "1-abc",
				"_revisions": map[string]interface{}{
					"start": 1,
					"ids":   []string{"abc"},
				},
				"v": 1,
			},
		},
	}
	rec := doJSON(t, h, http.MethodPost, "/testdb/_bulk_docs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var results []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "doc1", results[0]["id"])

	rec = doJSON(t, h, http.MethodGet, "/testdb/doc1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestBulkDocsAllOrNothingRollsBackOnFailure proves spec §8's atomicity
// invariant: when a later doc in an all_or_nothing batch fails, none of
// the docs from that same call are left in the store, including the ones
// that applied cleanly before the failure.
func TestBulkDocsAllOrNothingRollsBackOnFailure(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/testdb/existing", map[string]interface{}{"v": 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	body := map[string]interface{}{
		"all_or_nothing": true,
		"docs": []map[string]interface{}{
			{"_id": "newdoc", "v": 1},
			{"_id": "existing", "_rev": "1-wrong", "v": 2},
		},
	}
	rec = doJSON(t, h, http.MethodPost, "/testdb/_bulk_docs", body)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/testdb/newdoc", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "a doc applied earlier in a rolled-back all_or_nothing batch must not survive")

	rec = doJSON(t, h, http.MethodGet, "/testdb/existing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.EqualValues(t, 1, got["v"], "the pre-existing doc must be left at its pre-transaction revision")
}

// TestBulkDocsAllOrNothingCommitsWhenAllSucceed proves the success path
// doesn't lose the atomicity wiring: every doc in the batch is visible
// afterward.
func TestBulkDocsAllOrNothingCommitsWhenAllSucceed(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	body := map[string]interface{}{
		"all_or_nothing": true,
		"docs": []map[string]interface{}{
			{"_id": "a", "v": 1},
			{"_id": "b", "v": 2},
		},
	}
	rec := doJSON(t, h, http.MethodPost, "/testdb/_bulk_docs", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/testdb/a", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/testdb/b", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevsDiff(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{"v": 1})
	require.Equal(t, http.StatusCreated, rec.Code)
	var putResp struct {
		Rev string `json:"rev"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &putResp))

	rec = doJSON(t, h, http.MethodPost, "/testdb/_revs_diff", map[string][]string{
		"doc1": {putResp.Rev, "99-missing"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var diff map[string]struct {
		Missing []string `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	require.Contains(t, diff, "doc1")
	assert.Equal(t, []string{"99-missing"}, diff["doc1"].Missing)
}

func TestAllDocs(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	doJSON(t, h, http.MethodPut, "/testdb/a", map[string]interface{}{})
	doJSON(t, h, http.MethodPut, "/testdb/b", map[string]interface{}{})

	rec := doJSON(t, h, http.MethodGet, "/testdb/_all_docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		TotalRows int `json:"total_rows"`
		Rows      []struct {
			ID string `json:"id"`
		} `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.TotalRows)
}

func TestChangesNormal(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{})

	rec := doJSON(t, h, http.MethodGet, "/testdb/_changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []map[string]interface{} `json:"results"`
		LastSeq string                    `json:"last_seq"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)
	assert.Equal(t, "1", resp.LastSeq)
}

func TestDBCreateAndDuplicateConflict(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/newdb/", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPut, "/newdb/", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestUUIDs(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodGet, "/_uuids?count=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		UUIDs []string `json:"uuids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.UUIDs, 3)
}

func TestLocalDocPutGet(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPut, "/testdb/_local/checkpoint1", map[string]interface{}{"lastSequence": "5"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/testdb/_local/checkpoint1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "5", got["lastSequence"])
}
