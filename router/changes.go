package router

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/goydb/syncd/store"
)

// changesRow is the wire shape from spec §4.9 "Change-row shape".
type changesRow struct {
	Seq     uint64                   `json:"seq"`
	ID      string                   `json:"id"`
	Deleted bool                     `json:"deleted,omitempty"`
	Changes []map[string]string      `json:"changes"`
	Doc     map[string]interface{}   `json:"doc,omitempty"`
}

func toRow(c store.Change) changesRow {
	row := changesRow{Seq: c.Sequence, ID: c.DocID, Deleted: c.Deleted, Doc: c.Doc}
	row.Changes = make([]map[string]string, len(c.Changes))
	for i, rev := range c.Changes {
		row.Changes[i] = map[string]string{"rev": rev.RevID}
	}
	return row
}

// handleChanges implements spec §4.9 "GET /db/_changes": feed ∈
// {normal, longpoll, continuous}.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	q := r.URL.Query()

	feed := q.Get("feed")
	if feed == "" {
		feed = "normal"
	}
	since := parseSeqParam(q.Get("since"))
	conflictMode := q.Get("style") == "all_docs"

	opts := store.ChangesOptions{
		Limit:            queryInt(r, "limit", 0),
		IncludeDocs:      queryBool(r, "include_docs"),
		IncludeConflicts: conflictMode,
		SortBySequence:   !conflictMode,
	}

	var filter store.Filter
	var filterParams map[string]interface{}
	if name := q.Get("filter"); name != "" {
		parts := splitDDocFilter(name)
		compiled, err := db.CompileFilter(r.Context(), parts[0], parts[1])
		if err != nil {
			writeError(w, errBadRequest("filter: "+err.Error()))
			return
		}
		filter = compiled
		filterParams = filterParamsFromQuery(q)
	}

	switch feed {
	case "continuous":
		s.streamContinuous(w, r, db, since, opts, filter, filterParams)
	case "longpoll":
		s.streamLongpoll(w, r, db, since, opts, filter, filterParams)
	default:
		s.streamNormal(w, r, db, since, opts, filter, filterParams)
	}
}

func (s *Server) streamNormal(w http.ResponseWriter, r *http.Request, db store.Database, since uint64, opts store.ChangesOptions, filter store.Filter, params map[string]interface{}) {
	changes, err := db.ChangesSince(r.Context(), since, opts, filter, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeChangesResult(w, changes)
}

func writeChangesResult(w http.ResponseWriter, changes []store.Change) {
	rows := make([]changesRow, len(changes))
	var lastSeq uint64
	for i, c := range changes {
		rows[i] = toRow(c)
		if c.Sequence > lastSeq {
			lastSeq = c.Sequence
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results":  rows,
		"last_seq": fmt.Sprintf("%d", lastSeq),
	})
}

// streamLongpoll implements spec §4.9: return immediately if the current
// batch is non-empty, otherwise subscribe and wait for the first
// non-empty batch, detaching on client disconnect.
func (s *Server) streamLongpoll(w http.ResponseWriter, r *http.Request, db store.Database, since uint64, opts store.ChangesOptions, filter store.Filter, params map[string]interface{}) {
	changes, err := db.ChangesSince(r.Context(), since, opts, filter, params)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(changes) > 0 {
		writeChangesResult(w, changes)
		return
	}

	ch, cancel := db.Subscribe()
	defer cancel()

	select {
	case <-r.Context().Done():
		return
	case first, ok := <-ch:
		if !ok {
			writeChangesResult(w, nil)
			return
		}
		more, err := db.ChangesSince(r.Context(), since, opts, filter, params)
		if err != nil || len(more) == 0 {
			writeChangesResult(w, []store.Change{first})
			return
		}
		writeChangesResult(w, more)
	}
}

// streamContinuous implements spec §4.9/§6: NDJSON, connection stays open
// until the client disconnects.
func (s *Server) streamContinuous(w http.ResponseWriter, r *http.Request, db store.Database, since uint64, opts store.ChangesOptions, filter store.Filter, params map[string]interface{}) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	backlog, err := db.ChangesSince(r.Context(), since, opts, filter, params)
	if err == nil {
		for _, c := range backlog {
			writeNDJSON(bw, toRow(c))
		}
		bw.Flush()
		if flusher != nil {
			flusher.Flush()
		}
	}

	ch, cancel := db.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if filter != nil && c.Doc != nil && !db.RunFilter(r.Context(), filter, c.Doc, params) {
				continue
			}
			writeNDJSON(bw, toRow(c))
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeNDJSON(w *bufio.Writer, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

func parseSeqParam(s string) uint64 {
	var n uint64
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}

func splitDDocFilter(name string) [2]string {
	for i := 0; i < len(name); i++ {
		if name[i] == '/' {
			return [2]string{name[:i], name[i+1:]}
		}
	}
	return [2]string{"", name}
}

func filterParamsFromQuery(q map[string][]string) map[string]interface{} {
	params := make(map[string]interface{}, len(q))
	for k, v := range q {
		if k == "filter" || k == "since" || k == "feed" || k == "limit" || k == "include_docs" || k == "style" {
			continue
		}
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
