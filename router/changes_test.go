package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangesLongpollWaitsForChange(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/testdb/_changes?feed=longpoll", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		done <- rec
	}()

	// give the longpoll handler time to reach its empty-backlog subscribe
	// before a change is published.
	time.Sleep(50 * time.Millisecond)
	doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{})

	select {
	case rec := <-done:
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Results []map[string]interface{} `json:"results"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Results, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("longpoll did not return after the change was published")
	}
}

func TestChangesContinuousStreamsNewChange(t *testing.T) {
	s, _ := newTestServer()
	h := s.Routes()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/testdb/_changes?feed=continuous", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	doJSON(t, h, http.MethodPut, "/testdb/doc1", map[string]interface{}{})

	<-done

	lines := bytes.Split(bytes.TrimSpace(rec.Body.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var row map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &row))
	assert.Equal(t, "doc1", row["id"])
}
