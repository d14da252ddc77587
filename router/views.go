package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goydb/syncd/store"
)

// handleView implements spec §4.9 "/db/_design/ddoc/_view/view": compile,
// updateIndex, query.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	ddoc := chi.URLParam(r, "ddoc")
	view := chi.URLParam(r, "view")

	vf, err := db.CompileView(r.Context(), ddoc, view, "", "")
	if err != nil {
		writeError(w, errBadRequest("view compile: "+err.Error()))
		return
	}
	s.queryView(w, r, vf)
}

// handleTempView implements spec §4.9 "/db/_temp_view": a disposable view
// compiled from the inline {map, reduce?} body, torn down after the
// response (no ddoc name under which it could be found again, so nothing
// further to release once this handler returns).
func (s *Server) handleTempView(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	var body struct {
		Map    string `json:"map"`
		Reduce string `json:"reduce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}
	vf, err := db.CompileView(r.Context(), "", "_temp", body.Map, body.Reduce)
	if err != nil {
		writeError(w, errBadRequest("view compile: "+err.Error()))
		return
	}
	s.queryView(w, r, vf)
}

func (s *Server) queryView(w http.ResponseWriter, r *http.Request, vf store.ViewFunc) {
	if err := vf.UpdateIndex(r.Context()); err != nil {
		writeError(w, err)
		return
	}

	opts := store.QueryOptions{
		Skip:        queryInt(r, "skip", 0),
		Limit:       queryInt(r, "limit", 0),
		Descending:  queryBool(r, "descending"),
		IncludeDocs: queryBool(r, "include_docs"),
		Group:       queryBool(r, "group"),
		GroupLevel:  queryInt(r, "group_level", 0),
		Stale:       queryBool(r, "stale"),
	}
	if r.Method == http.MethodPost {
		var body struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			opts.Keys = body.Keys
		}
	}
	if reduce := r.URL.Query().Get("reduce"); reduce != "" {
		v := reduce == "true"
		opts.Reduce = &v
	}

	rows, err := vf.Query(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":       rows.Rows,
		"total_rows": rows.TotalRows,
		"offset":     rows.Offset,
	})
}
