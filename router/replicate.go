package router

import (
	"bufio"
	"encoding/json"
	"net/http"

	"github.com/goydb/syncd/remote"
	"github.com/goydb/syncd/replicator"
	"github.com/goydb/syncd/store"
)

type replicateRequest struct {
	Source       string                 `json:"source"`
	Target       string                 `json:"target"`
	Continuous   bool                   `json:"continuous"`
	Cancel       bool                   `json:"cancel"`
	CreateTarget bool                   `json:"create_target"`
	Filter       string                 `json:"filter"`
	QueryParams  map[string]interface{} `json:"query_params"`
	Headers      map[string]string      `json:"headers"`
}

// handleReplicate implements spec §4.9 "POST /_replicate": constructs a
// Pusher or Puller depending on which side is a local database name, or
// cancels a matching running replicator.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}

	local, endpoint, push, err := s.resolveReplicationSides(req.Source, req.Target)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := replicator.Options{
		Continuous:   req.Continuous,
		CreateTarget: req.CreateTarget,
		FilterName:   req.Filter,
		FilterParams: req.QueryParams,
		Headers:      req.Headers,
	}

	var repl *replicator.Replicator
	if push {
		repl, err = replicator.NewPusher(local, endpoint, opts)
	} else {
		repl, err = replicator.NewPuller(local, endpoint, opts)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Cancel {
		existing := local.ActiveReplicatorLike(repl)
		if existing == nil {
			writeError(w, errNotFound("no matching replication is running"))
			return
		}
		existing.Stop(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "_local_id": existing.SessionID()})
		return
	}

	if err := repl.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "session_id": repl.SessionID()})
}

// resolveReplicationSides decides push vs pull: if source names an open
// local database, this is a Pusher targeting target as the remote
// endpoint; if target names one, this is a Puller from source.
func (s *Server) resolveReplicationSides(source, target string) (localDB store.Database, endpoint replicator.Endpoint, push bool, err error) {
	if db, ok := s.db(source); ok {
		return db, replicator.Endpoint{URL: target}, true, nil
	}
	if db, ok := s.db(target); ok {
		return db, replicator.Endpoint{URL: source}, false, nil
	}
	return nil, replicator.Endpoint{}, false, errBadParam("neither source nor target names a local database")
}

// handleActiveTasks implements spec §4.9 "GET /_active_tasks": snapshot, or
// (feed=continuous) an NDJSON stream of every registered replicator's
// progress/stopped notifications.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("feed") != "continuous" {
		writeJSON(w, http.StatusOK, s.snapshotActiveTasks())
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)

	for _, task := range s.snapshotActiveTasks() {
		writeNDJSON(bw, task)
	}
	bw.Flush()
	if flusher != nil {
		flusher.Flush()
	}

	notify := make(chan map[string]interface{}, 64)
	var removers []func()
	s.mu.RLock()
	for _, db := range s.dbs {
		for _, ar := range db.ActiveReplicators() {
			repl, ok := ar.(*replicator.Replicator)
			if !ok {
				continue
			}
			remove := repl.AddListener(func(ev replicator.Event) {
				select {
				case notify <- repl.ActiveTaskInfo():
				default:
				}
			})
			removers = append(removers, remove)
		}
	}
	s.mu.RUnlock()
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case task, ok := <-notify:
			if !ok {
				return
			}
			writeNDJSON(bw, task)
			bw.Flush()
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) snapshotActiveTasks() []map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []map[string]interface{}
	for _, db := range s.dbs {
		for _, ar := range db.ActiveReplicators() {
			out = append(out, ar.ActiveTaskInfo())
		}
	}
	return out
}

// handleSession implements spec §4.5 "checkSession"'s server side: GET
// reports the (always anonymous, single-session) user context; POST logs
// in via a basic-auth-equivalent username/password body.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, remote.SessionResponse{
			UserCtx: struct {
				Name  string   `json:"name"`
				Roles []string `json:"roles"`
			}{Name: "", Roles: nil},
		})
		return
	}

	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: body.Name, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "name": body.Name, "roles": []string{}})
}

// handlePersonaAssertion implements the Persona-assertion login endpoint
// (spec §4.4's Authorizer variant, supplemented per SPEC_FULL.md §5).
func (s *Server) handlePersonaAssertion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Assertion string `json:"assertion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errBadJSON(err.Error()))
		return
	}
	if body.Assertion == "" {
		writeError(w, errBadParam("assertion required"))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "AuthSession", Value: body.Assertion, Path: "/"})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
