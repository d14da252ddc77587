package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

// handleDocGet implements spec §4.9 "GET /db/docID": open_revs modes,
// atts_since elision, and the includeAttachments/multipart Accept branch.
// Multipart attachment streaming itself is handled by writeDocMultipart;
// the blob store providing attachment bytes is out of scope (spec §1), so
// attachments here are the inline `_attachments` map the document body
// already carries.
func (s *Server) handleDocGet(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")

	q := r.URL.Query()
	if openRevs := q.Get("open_revs"); openRevs != "" {
		s.handleOpenRevs(w, r, db, docID, openRevs)
		return
	}

	opts := store.ContentOptions{
		IncludeAttachments: queryBool(r, "attachments"),
	}
	if since := q.Get("atts_since"); since != "" {
		var ids []string
		if err := json.Unmarshal([]byte(since), &ids); err == nil {
			opts.AttsSince = ids
		}
	}

	ref, err := db.GetDocument(r.Context(), docID, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if ref.Deleted {
		writeError(w, syncerr.New(syncerr.Deleted, "document deleted"))
		return
	}

	w.Header().Set("ETag", `"`+ref.RevID+`"`)
	if match := r.Header.Get("If-None-Match"); match == `"`+ref.RevID+`"` {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if accept := r.Header.Get("Accept"); strings.HasPrefix(accept, "multipart/") {
		writeDocMultipart(w, ref)
		return
	}

	body := bodyWithMeta(docID, ref.RevID, ref.Body)
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleOpenRevs(w http.ResponseWriter, r *http.Request, db store.Database, docID, openRevs string) {
	revs, err := db.GetAllRevisions(r.Context(), docID)
	if err != nil {
		writeError(w, err)
		return
	}

	var wanted []string
	if openRevs == "all" {
		wanted = revs.RevIDs()
	} else if err := json.Unmarshal([]byte(openRevs), &wanted); err != nil {
		writeError(w, errBadParam("open_revs must be \"all\" or a JSON array"))
		return
	}

	byRev := make(map[string]revision.Ref, len(revs))
	for _, rev := range revs {
		byRev[rev.RevID] = rev
	}

	out := make([]map[string]interface{}, 0, len(wanted))
	for _, revID := range wanted {
		ref, ok := byRev[revID]
		if !ok {
			out = append(out, map[string]interface{}{"missing": revID})
			continue
		}
		out = append(out, map[string]interface{}{"ok": bodyWithMeta(docID, ref.RevID, ref.Body)})
	}
	writeJSON(w, http.StatusOK, out)
}

func bodyWithMeta(docID, revID string, body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["_id"] = docID
	out["_rev"] = revID
	return out
}

// handleDocPut implements spec §4.9 "PUT /db/docID ... If-Match fallback,
// new_edits=false force-insert path".
func (s *Server) handleDocPut(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")
	s.putDoc(w, r, db, docID)
}

// handleDocCreate implements spec §4.9 "POST /db": docID comes from the
// body's _id, or is generated.
func (s *Server) handleDocCreate(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	docID, _ := body["_id"].(string)
	if docID == "" {
		docID = newDocID()
	}
	s.putDocBody(w, r, db, docID, body)
}

func (s *Server) putDoc(w http.ResponseWriter, r *http.Request, db store.Database, docID string) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.putDocBody(w, r, db, docID, body)
}

func (s *Server) putDocBody(w http.ResponseWriter, r *http.Request, db store.Database, docID string, body map[string]interface{}) {
	deleted, _ := body["_deleted"].(bool)

	if queryBool(r, "new_edits") == false && r.URL.Query().Get("new_edits") != "" {
		history := extractRevisionHistoryJSON(body)
		if len(history) == 0 {
			writeError(w, errBadParam("new_edits=false requires _revisions"))
			return
		}
		ref := revision.Ref{DocID: docID, RevID: history[0], Deleted: deleted, Body: stripMeta(body)}
		if err := db.ForceInsert(r.Context(), ref, history); err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Location", "/"+db.Name()+"/"+docID)
		w.Header().Set("ETag", `"`+ref.RevID+`"`)
		writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": docID, "rev": ref.RevID})
		return
	}

	prevRev, _ := body["_rev"].(string)
	if prevRev == "" {
		prevRev = strings.Trim(r.Header.Get("If-Match"), `"`)
	}

	ref, err := db.Put(r.Context(), docID, prevRev, stripMeta(body), deleted)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/"+db.Name()+"/"+docID)
	w.Header().Set("ETag", `"`+ref.RevID+`"`)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": docID, "rev": ref.RevID})
}

func (s *Server) handleDocDelete(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")
	prevRev := r.URL.Query().Get("rev")
	if prevRev == "" {
		prevRev = strings.Trim(r.Header.Get("If-Match"), `"`)
	}
	ref, err := db.Put(r.Context(), docID, prevRev, nil, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": docID, "rev": ref.RevID})
}

func decodeBody(r *http.Request) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, syncerr.Wrap(syncerr.BadJSON, err)
	}
	return body, nil
}

func stripMeta(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		if k == "_id" || k == "_rev" || k == "_deleted" || k == "_revisions" {
			continue
		}
		out[k] = v
	}
	return out
}

func extractRevisionHistoryJSON(body map[string]interface{}) []string {
	raw, ok := body["_revisions"].(map[string]interface{})
	if !ok {
		return nil
	}
	start, _ := raw["start"].(float64)
	ids, _ := raw["ids"].([]interface{})
	history := make([]string, 0, len(ids))
	gen := int(start)
	for _, id := range ids {
		idStr, ok := id.(string)
		if !ok {
			continue
		}
		history = append(history, fmt.Sprintf("%d-%s", gen, idStr))
		gen--
	}
	return history
}

// handleLocalGet/Put implement spec §4.9's "_local/... paths bypass
// conflict handling and ignore open_revs".
func (s *Server) handleLocalGet(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	id := chi.URLParam(r, "id")
	body, err := db.GetLocalDocument(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bodyWithMeta("_local/"+id, "", body))
}

func (s *Server) handleLocalPut(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	id := chi.URLParam(r, "id")
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := db.PutLocal(r.Context(), id, stripMeta(body)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": "_local/" + id})
}

// handlePurge implements spec §4.9 "POST /db/_purge".
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}
	purged, err := db.Purge(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purged": purged})
}

// handleRevsDiff implements spec §4.9 "POST /db/_revs_diff".
func (s *Server) handleRevsDiff(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	var req map[string][]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}

	out := make(map[string]interface{}, len(req))
	for docID, revIDs := range req {
		candidates := make(revision.List, len(revIDs))
		for i, revID := range revIDs {
			candidates[i] = revision.Ref{DocID: docID, RevID: revID}
		}
		missing, err := db.FindMissingRevisions(r.Context(), candidates)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(missing) == 0 {
			continue
		}

		entry := map[string]interface{}{"missing": missing.RevIDs()}

		// possible_ancestors computed against the highest-generation
		// missing revision only (spec §4.9).
		var highest revision.Ref
		for _, m := range missing {
			if m.Generation() > highest.Generation() {
				highest = m
			}
		}
		if ancestors, err := db.GetPossibleAncestorRevisionIDs(r.Context(), highest, 0); err == nil && len(ancestors) > 0 {
			entry["possible_ancestors"] = ancestors
		}
		out[docID] = entry
	}
	writeJSON(w, http.StatusOK, out)
}

// handleBulkDocs implements spec §4.9 "POST /db/_bulk_docs" policy: 5xx
// aborts the call (docs already applied earlier in the same loop stay
// applied — there is no transaction in this mode); all_or_nothing instead
// runs the whole batch inside a store.BulkTx so a later doc's failure
// rolls back every doc this call applied, per spec §8's atomicity
// invariant.
func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	var req struct {
		Docs         []map[string]interface{} `json:"docs"`
		AllOrNothing bool                      `json:"all_or_nothing"`
		NewEdits     *bool                     `json:"new_edits"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}
	newEdits := req.NewEdits == nil || *req.NewEdits

	if req.AllOrNothing {
		s.handleBulkDocsAllOrNothing(w, r, db, req.Docs, newEdits)
		return
	}

	results := make([]map[string]interface{}, 0, len(req.Docs))
	for _, doc := range req.Docs {
		docID, _ := doc["_id"].(string)
		if docID == "" {
			docID = newDocID()
		}
		deleted, _ := doc["_deleted"].(bool)

		var entryErr error
		var rev string
		if !newEdits {
			history := extractRevisionHistoryJSON(doc)
			if len(history) == 0 {
				entryErr = errBadParam("new_edits=false requires _revisions")
			} else {
				ref := revision.Ref{DocID: docID, RevID: history[0], Deleted: deleted, Body: stripMeta(doc)}
				entryErr = db.ForceInsert(r.Context(), ref, history)
				rev = ref.RevID
			}
		} else {
			prevRev, _ := doc["_rev"].(string)
			ref, err := db.Put(r.Context(), docID, prevRev, stripMeta(doc), deleted)
			entryErr = err
			rev = ref.RevID
		}

		if entryErr != nil {
			se := asSyncErr(entryErr)
			if se.Status() >= 500 {
				writeError(w, entryErr) // abort the call; prior docs in this loop remain applied
				return
			}
			env := syncerr.EnvelopeFor(se)
			results = append(results, map[string]interface{}{
				"id":     docID,
				"error":  env.Error,
				"reason": env.Reason,
			})
			continue
		}

		entry := map[string]interface{}{"id": docID}
		if newEdits {
			entry["rev"] = rev
			entry["ok"] = true
		}
		results = append(results, entry)
	}

	writeJSON(w, http.StatusCreated, results)
}

// handleBulkDocsAllOrNothing implements the atomic branch of _bulk_docs:
// every doc is staged through one store.BulkTx, committed only if every
// doc applies cleanly, and rolled back in full on the first failure — so
// either every doc appears in the store or none do (spec §8).
func (s *Server) handleBulkDocsAllOrNothing(w http.ResponseWriter, r *http.Request, db store.Database, docs []map[string]interface{}, newEdits bool) {
	txr, ok := db.(store.Transactor)
	if !ok {
		writeError(w, syncerr.New(syncerr.ServerError, "database does not support atomic all_or_nothing bulk writes"))
		return
	}
	tx, err := txr.BeginBulkTx(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		docID, _ := doc["_id"].(string)
		if docID == "" {
			docID = newDocID()
		}
		deleted, _ := doc["_deleted"].(bool)

		var entryErr error
		var rev string
		if !newEdits {
			history := extractRevisionHistoryJSON(doc)
			if len(history) == 0 {
				entryErr = errBadParam("new_edits=false requires _revisions")
			} else {
				ref := revision.Ref{DocID: docID, RevID: history[0], Deleted: deleted, Body: stripMeta(doc)}
				entryErr = tx.ForceInsert(r.Context(), ref, history)
				rev = ref.RevID
			}
		} else {
			prevRev, _ := doc["_rev"].(string)
			ref, err := tx.Put(r.Context(), docID, prevRev, stripMeta(doc), deleted)
			entryErr = err
			rev = ref.RevID
		}

		if entryErr != nil {
			_ = tx.Rollback(r.Context())
			writeError(w, entryErr)
			return
		}

		entry := map[string]interface{}{"id": docID}
		if newEdits {
			entry["rev"] = rev
			entry["ok"] = true
		}
		results = append(results, entry)
	}

	if err := tx.Commit(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, results)
}

// handleAllDocs implements spec §4.9 "GET/POST /db/_all_docs".
func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	opts := store.QueryOptions{
		Skip:        queryInt(r, "skip", 0),
		Limit:       queryInt(r, "limit", 0),
		Descending:  queryBool(r, "descending"),
		IncludeDocs: queryBool(r, "include_docs"),
		UpdateSeq:   queryBool(r, "update_seq"),
	}
	if r.Method == http.MethodPost {
		var body struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			opts.Keys = body.Keys
		}
	}

	rows, err := db.GetAllDocs(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}

	etag := fmt.Sprintf(`"%d"`, rows.UpdateSeq)
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	resp := map[string]interface{}{
		"rows":       rows.Rows,
		"total_rows": rows.TotalRows,
		"offset":     rows.Offset,
	}
	if opts.UpdateSeq {
		resp["update_seq"] = rows.UpdateSeq
	}
	writeJSON(w, http.StatusOK, resp)
}

func newDocID() string {
	return uuid.NewString()
}
