package router

import (
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

// writeDocMultipart streams ref as CouchDB 1.2-style multipart: a JSON root
// part with attachments stripped to `{stub:true, follows:true}` markers,
// followed by one binary part per attachment. The attachment blob store
// itself is out of scope (spec §1); attachments live inline in the
// document body's `_attachments` map as base64-encoded `data` fields, so
// this just re-encodes that into the wire form a replicator on the other
// end expects.
func writeDocMultipart(w http.ResponseWriter, ref revision.Ref) {
	atts, _ := ref.Body["_attachments"].(map[string]interface{})

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	w.WriteHeader(http.StatusOK)

	root := make(map[string]interface{}, len(ref.Body))
	for k, v := range ref.Body {
		root[k] = v
	}
	stripped := make(map[string]interface{}, len(atts))
	for name, raw := range atts {
		att, _ := raw.(map[string]interface{})
		stripped[name] = map[string]interface{}{
			"content_type": att["content_type"],
			"stub":         true,
			"follows":      true,
			"length":       att["length"],
			"revpos":       att["revpos"],
		}
	}
	if len(stripped) > 0 {
		root["_attachments"] = stripped
	}

	rootPart, _ := mw.CreatePart(map[string][]string{"Content-Type": {"application/json"}})
	_ = writeJSONTo(rootPart, root)

	for name, raw := range atts {
		att, _ := raw.(map[string]interface{})
		data, _ := att["data"].(string)
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			continue
		}
		contentType, _ := att["content_type"].(string)
		part, _ := mw.CreatePart(map[string][]string{
			"Content-Type":        {contentType},
			"Content-Disposition": {`attachment; filename="` + name + `"`},
		})
		_, _ = part.Write(decoded)
	}

	_ = mw.Close()
}

func writeJSONTo(w io.Writer, v interface{}) error {
	enc := newJSONEncoder(w)
	return enc.Encode(v)
}

// handleAttachmentGet returns one attachment's raw bytes from the
// document's inline `_attachments` map.
func (s *Server) handleAttachmentGet(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")
	name := chi.URLParam(r, "attachment")

	ref, err := db.GetDocument(r.Context(), docID, store.ContentOptions{IncludeAttachments: true})
	if err != nil {
		writeError(w, err)
		return
	}
	atts, _ := ref.Body["_attachments"].(map[string]interface{})
	raw, ok := atts[name]
	if !ok {
		writeError(w, errNotFound("no such attachment"))
		return
	}
	att, _ := raw.(map[string]interface{})
	data, _ := att["data"].(string)
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		writeError(w, syncerr.Wrap(syncerr.BadAttachment, err))
		return
	}
	contentType, _ := att["content_type"].(string)
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("ETag", `"`+ref.RevID+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(decoded)
}

// handleAttachmentPut implements spec §4.9 "PUT /db/docID/att": the
// streamed body becomes a new revision referencing the attachment.
func (s *Server) handleAttachmentPut(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")
	name := chi.URLParam(r, "attachment")
	contentType := r.Header.Get("Content-Type")

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, syncerr.Wrap(syncerr.BadAttachment, err))
		return
	}

	prevRev := r.URL.Query().Get("rev")
	if prevRev == "" {
		prevRev = trimQuotes(r.Header.Get("If-Match"))
	}

	ref, err := db.GetDocument(r.Context(), docID, store.ContentOptions{})
	body := map[string]interface{}{}
	if err == nil {
		for k, v := range ref.Body {
			body[k] = v
		}
	}
	atts, _ := body["_attachments"].(map[string]interface{})
	if atts == nil {
		atts = make(map[string]interface{})
	}
	atts[name] = map[string]interface{}{
		"content_type": contentType,
		"data":         base64.StdEncoding.EncodeToString(data),
		"length":       len(data),
	}
	body["_attachments"] = atts

	newRef, err := db.Put(r.Context(), docID, prevRev, body, false)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", `"`+newRef.RevID+`"`)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": docID, "rev": newRef.RevID})
}

func (s *Server) handleAttachmentDelete(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	docID := chi.URLParam(r, "docID")
	name := chi.URLParam(r, "attachment")
	prevRev := r.URL.Query().Get("rev")

	ref, err := db.GetDocument(r.Context(), docID, store.ContentOptions{})
	if err != nil {
		writeError(w, err)
		return
	}
	body := make(map[string]interface{}, len(ref.Body))
	for k, v := range ref.Body {
		body[k] = v
	}
	atts, _ := body["_attachments"].(map[string]interface{})
	delete(atts, name)
	body["_attachments"] = atts

	newRef, err := db.Put(r.Context(), docID, prevRev, body, false)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "id": docID, "rev": newRef.RevID})
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
