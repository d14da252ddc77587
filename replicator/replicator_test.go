package replicator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goydb/syncd/remote"
	"github.com/goydb/syncd/replicator"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/storetest"
)

// fakeRemote is a minimal CouchDB-compatible peer backing one database at
// basePath: GET _local/<id> (always 404, as if never checkpointed before),
// PUT _local/<id> (accepted), GET _changes (one fixed row), and GET
// <docID> (the row's revision body). Enough surface for a Puller's
// beginReplicating -> processInbox -> advanceLastSequence round trip
// without a live CouchDB server.
func fakeRemote(t *testing.T, basePath string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(basePath+"/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, basePath+"/")
		switch {
		case strings.HasPrefix(rest, "_local/") && r.Method == http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(rest, "_local/") && r.Method == http.MethodPut:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"_id": rest, "_rev": "1-checkpoint", "lastSequence": "1",
			})
		case rest == "_changes" && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"results": []map[string]interface{}{
					{
						"seq": "1",
						"id":  "doc1",
						"changes": []map[string]interface{}{
							{"rev": "1-abc"},
						},
					},
				},
				"last_seq": "1",
			})
		case rest == "doc1" && r.Method == http.MethodGet:
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"_id":  "doc1",
				"_rev": "1-abc",
				"foo":  "bar",
				"_revisions": map[string]interface{}{
					"start": 1,
					"ids":   []string{"abc"},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPullerPullsRemoteChangeIntoLocal(t *testing.T) {
	srv := fakeRemote(t, "/remotedb")
	local := storetest.New("local")

	r, err := replicator.NewPuller(local, replicator.Endpoint{URL: srv.URL + "/remotedb"}, replicator.Options{})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		_, err := local.GetDocument(context.Background(), "doc1", store.ContentOptions{})
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "doc1 should have been pulled from the remote")

	ref, err := local.GetDocument(context.Background(), "doc1", store.ContentOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bar", ref.Body["foo"])

	require.Eventually(t, func() bool {
		return !r.Status().Running
	}, 2*time.Second, 20*time.Millisecond, "a one-shot puller should stop itself once idle")
}

func TestReplicatorStatusReflectsLifecycle(t *testing.T) {
	srv := fakeRemote(t, "/remotedb")
	local := storetest.New("local")

	r, err := replicator.NewPuller(local, replicator.Endpoint{URL: srv.URL + "/remotedb"}, replicator.Options{})
	require.NoError(t, err)

	status := r.Status()
	assert.False(t, status.Running)
	assert.Empty(t, status.SessionID)

	require.NoError(t, r.Start(context.Background()))
	assert.NotEmpty(t, r.Status().SessionID)

	r.Stop(context.Background())
	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("replicator did not report Done() after Stop")
	}
	assert.False(t, r.Status().Running)
}

func TestStartIsIdempotent(t *testing.T) {
	srv := fakeRemote(t, "/remotedb")
	local := storetest.New("local")

	r, err := replicator.NewPuller(local, replicator.Endpoint{URL: srv.URL + "/remotedb"}, replicator.Options{})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	first := r.Status().SessionID
	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, first, r.Status().SessionID, "a second Start should be a no-op")

	r.Stop(context.Background())
}

func TestStopIsIdempotent(t *testing.T) {
	srv := fakeRemote(t, "/remotedb")
	local := storetest.New("local")

	r, err := replicator.NewPusher(local, replicator.Endpoint{URL: srv.URL + "/remotedb"}, replicator.Options{})
	require.NoError(t, err)

	require.NoError(t, r.Start(context.Background()))
	r.Stop(context.Background())
	assert.NotPanics(t, func() { r.Stop(context.Background()) })
}
