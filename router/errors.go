package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

func newJSONEncoder(w io.Writer) *json.Encoder {
	return json.NewEncoder(w)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// storeKindOf translates a store.Database sentinel into its syncerr.Kind, so
// any store.Database implementation (not just storetest.Store) gets the
// right HTTP status without depending on *syncerr.Error.
func storeKindOf(err error) (syncerr.Kind, bool) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return syncerr.NotFound, true
	case errors.Is(err, store.ErrConflict):
		return syncerr.Conflict, true
	case errors.Is(err, store.ErrNotImplemented):
		return syncerr.ServerError, true
	default:
		return "", false
	}
}

// asSyncErr normalizes err into a *syncerr.Error, translating a
// store.Database sentinel first so a plain wrapped storage error gets the
// same Kind-based treatment as one the router raised itself. Handlers that
// need a status code or envelope for an error that might be either kind
// (e.g. handleBulkDocs' per-doc failure bookkeeping) should go through
// this instead of syncerr.StatusOf/EnvelopeFor directly.
func asSyncErr(err error) *syncerr.Error {
	if kind, ok := storeKindOf(err); ok {
		return syncerr.Wrap(kind, err)
	}
	var se *syncerr.Error
	if errors.As(err, &se) {
		return se
	}
	return syncerr.Wrap(syncerr.ServerError, err)
}

// writeError maps err through syncerr's Kind -> HTTP status table (spec §7)
// and writes the {error, reason} envelope. Storage-layer sentinel errors are
// translated to their Kind first, since store.Database implementations
// return plain wrapped errors rather than *syncerr.Error.
func writeError(w http.ResponseWriter, err error) {
	se := asSyncErr(err)
	writeJSON(w, se.Status(), syncerr.EnvelopeFor(se))
}

func errBadRequest(reason string) error  { return syncerr.New(syncerr.BadRequest, reason) }
func errBadJSON(reason string) error     { return syncerr.New(syncerr.BadJSON, reason) }
func errBadParam(reason string) error    { return syncerr.New(syncerr.BadParam, reason) }
func errBadID(reason string) error       { return syncerr.New(syncerr.BadID, reason) }
func errNotFound(reason string) error    { return syncerr.New(syncerr.NotFound, reason) }
func errConflict(reason string) error    { return syncerr.New(syncerr.Conflict, reason) }
func errDuplicate(reason string) error   { return syncerr.New(syncerr.Duplicate, reason) }
