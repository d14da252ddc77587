// Package router implements the REST dispatch layer from spec §4.8/4.9: it
// translates CouchDB-style HTTP requests into store.Database operations and
// replicator.Replicator control, using github.com/go-chi/chi/v5 the way
// toolbridge-api's internal/httpapi.Server wires its own route tree
// (middleware chain, chi.URLParam-bound path segments, a Routes()
// constructor returning http.Handler).
package router

import (
	"net/http"
	"regexp"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goydb/syncd/logger"
	"github.com/goydb/syncd/store"
)

// dbNamePattern is spec §4.8's database-name grammar.
var dbNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// Metrics are the request-duration histograms spec §3's domain stack
// table wires into the router, grounded on vjache-cie's client_golang
// usage.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "syncd",
			Subsystem: "router",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
		}, []string{"route", "method", "status"}),
	}
	return m
}

// DatabaseFactory creates a new, empty store.Database named name, used by
// PUT /<db> (spec §4.9).
type DatabaseFactory func(name string) store.Database

// Server holds the dependencies every handler needs: the set of open
// databases, a factory for creating new ones, and the active replicator
// registry each database's store.Database implementation already tracks
// (spec §4.5's AddActiveReplicator/ActiveReplicatorLike contract).
type Server struct {
	mu  sync.RWMutex
	dbs map[string]store.Database

	newDB   DatabaseFactory
	logger  logger.Logger
	metrics *Metrics
	reg     *prometheus.Registry
}

// NewServer constructs a Server with no open databases. Call Mount to add
// one the factory has already created (e.g. at startup, or lazily from PUT).
func NewServer(newDB DatabaseFactory) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		dbs:     make(map[string]store.Database),
		newDB:   newDB,
		logger:  new(logger.Noop),
		metrics: newMetrics(reg),
		reg:     reg,
	}
}

func (s *Server) SetLogger(l logger.Logger) { s.logger = l }

// Mount registers an already-open database under name.
func (s *Server) Mount(name string, db store.Database) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbs[name] = db
}

func (s *Server) dbNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.dbs))
	for name := range s.dbs {
		names = append(names, name)
	}
	return names
}

func (s *Server) db(name string) (store.Database, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, ok := s.dbs[name]
	return db, ok
}

// Routes builds the full route tree (spec §4.8's path grammar).
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/", s.handleRoot)
	r.Get("/_all_dbs", s.handleAllDBs)
	r.Get("/_uuids", s.handleUUIDs)
	r.Post("/_replicate", s.handleReplicate)
	r.Get("/_session", s.handleSession)
	r.Post("/_session", s.handleSession)
	r.Post("/_persona_assertion", s.handlePersonaAssertion)
	r.Get("/_active_tasks", s.handleActiveTasks)
	r.Get("/_metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/{db}", func(r chi.Router) {
		r.Use(s.withDB)

		r.Get("/", s.handleDBInfo)
		r.Put("/", s.handleDBCreate)
		r.Delete("/", s.handleDBDelete)
		r.Post("/", s.handleDocCreate)

		r.Get("/_all_docs", s.handleAllDocs)
		r.Post("/_all_docs", s.handleAllDocs)
		r.Post("/_bulk_docs", s.handleBulkDocs)
		r.Post("/_revs_diff", s.handleRevsDiff)
		r.Post("/_compact", s.handleCompact)
		r.Post("/_ensure_full_commit", s.handleEnsureFullCommit)
		r.Post("/_purge", s.handlePurge)
		r.Get("/_changes", s.handleChanges)
		r.Post("/_temp_view", s.handleTempView)

		r.Get("/_design/{ddoc}/_view/{view}", s.handleView)
		r.Post("/_design/{ddoc}/_view/{view}", s.handleView)

		r.Get("/_local/{id}", s.handleLocalGet)
		r.Put("/_local/{id}", s.handleLocalPut)

		r.Get("/{docID}", s.handleDocGet)
		r.Put("/{docID}", s.handleDocPut)
		r.Delete("/{docID}", s.handleDocDelete)

		r.Get("/{docID}/{attachment}", s.handleAttachmentGet)
		r.Put("/{docID}/{attachment}", s.handleAttachmentPut)
		r.Delete("/{docID}/{attachment}", s.handleAttachmentDelete)
	})

	return r
}

// instrument wraps every request with the request-duration histogram
// (spec §3 domain stack table).
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			route := chi.RouteContext(r.Context()).RoutePattern()
			s.metrics.RequestDuration.WithLabelValues(route, r.Method, statusClass(sw.status)).Observe(v)
		}))
		defer timer.ObserveDuration()
		next.ServeHTTP(sw, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

type ctxKey int

const dbCtxKey ctxKey = iota

// withDB resolves {db} into a store.Database and validates the database
// name grammar (spec §4.8).
func (s *Server) withDB(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "db")
		if !dbNamePattern.MatchString(name) {
			writeError(w, errBadID("invalid database name"))
			return
		}
		db, ok := s.db(name)
		if !ok {
			writeError(w, errNotFound("no such database"))
			return
		}
		ctx := withDatabase(r.Context(), db)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"CouchbaseLite": "Welcome",
		"couchdb":       "Welcome",
		"version":       "syncd/1.0",
	})
}

func (s *Server) handleAllDBs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dbNames())
}

func (s *Server) handleUUIDs(w http.ResponseWriter, r *http.Request) {
	count := clampInt(queryInt(r, "count", 1), 1, 1000)
	ids := make([]string, count)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"uuids": ids})
}

func (s *Server) handleDBInfo(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	info, err := db.Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"db_name":    db.Name(),
		"db_uuid":    db.PublicUUID(),
		"doc_count":  info.DocCount,
		"update_seq": info.UpdateSeq,
		"disk_size":  info.DiskSize,
	})
}

func (s *Server) handleDBCreate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "db")
	if !dbNamePattern.MatchString(name) {
		writeError(w, errBadID("invalid database name"))
		return
	}
	s.mu.Lock()
	if _, exists := s.dbs[name]; exists {
		s.mu.Unlock()
		writeError(w, errDuplicate("database already exists"))
		return
	}
	db := s.newDB(name)
	s.dbs[name] = db
	s.mu.Unlock()

	w.Header().Set("Location", "/"+name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true})
}

func (s *Server) handleDBDelete(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("rev") != "" {
		writeError(w, errBadRequest("DELETE /<db> does not take a rev parameter"))
		return
	}
	name := chi.URLParam(r, "db")
	s.mu.Lock()
	_, ok := s.dbs[name]
	delete(s.dbs, name)
	s.mu.Unlock()
	if !ok {
		writeError(w, errNotFound("no such database"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	db := databaseFrom(r.Context())
	if err := db.Compact(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

func (s *Server) handleEnsureFullCommit(w http.ResponseWriter, r *http.Request) {
	// The storage engine's durability guarantee is out of scope (spec §1);
	// commits are synchronous in every store.Database implementation this
	// router programs against, so this is an acknowledgement only.
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "instance_start_time": "0"})
}
