package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goydb/syncd/batch"
	"github.com/goydb/syncd/logger"
	"github.com/goydb/syncd/remote"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

// RunState is the Replicator's lifecycle phase (spec §4.5 state machine).
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// Status is a point-in-time snapshot of Replicator state (spec §3
// "Replicator state").
type Status struct {
	SessionID           string
	Running             bool
	Online              bool
	Active              bool
	LastSequence        string
	AsyncTaskCount      int
	RevisionsFailed     int
	ChangesProcessed    int
	ChangesTotal        int
	Error               error
}

// strategy is what Pusher and Puller implement: the two places spec
// §4.5's abstract lifecycle defers to a specialization.
type strategy interface {
	// beginReplicating is called once the replicator is online and the
	// checkpoint has been fetched (spec §4.5 step 6).
	beginReplicating(ctx context.Context) error
	// processInbox is the Batcher's processor; never called concurrently
	// with itself for the same Replicator (spec §4.1 "Ordering").
	processInbox(ctx context.Context, items []interface{}) error
}

var sessionCounter int64

func allocateSessionID() string {
	n := atomic.AddInt64(&sessionCounter, 1)
	return fmt.Sprintf("repl%03d", n)
}

// Replicator is the abstract lifecycle from spec §4.5: batching,
// checkpointing, retry, and the online/offline state machine shared by
// Pusher and Puller.
type Replicator struct {
	// immutable configuration
	push     bool
	local    store.Database
	endpoint Endpoint
	opts     Options
	logger   logger.Logger

	remoteClient *remote.Client
	watcher      *remote.Watcher

	strategy strategy // set by NewPusher/NewPuller after construction

	batcher *batch.Batcher

	backoffClock backoff.BackOff

	mu             sync.Mutex
	state          RunState
	online         bool
	sessionID      string
	lastSequence   string
	lastSeqChanged bool
	asyncTasks     int
	revisionsFailed  int
	changesProcessed int
	changesTotal     int
	err              error

	checkpoint   remote.Checkpoint
	checkpointID string

	saveInFlight   bool
	saveOverdue    bool
	saveTimer      *time.Timer

	retryTimer *time.Timer

	listeners      map[int]Listener
	nextListenerID int

	cancelRun context.CancelFunc
	stopped   chan struct{}
}

// DefaultRetryInterval, DefaultCheckpointWindow, and
// DefaultReachabilityCheck are the fixed timeouts spec §5 names; Options
// overrides any of them that a caller sets to a non-zero value (wired from
// config.ReplicationConfig by cmd/syncd).
const (
	DefaultRetryInterval     = 60 * time.Second
	DefaultCheckpointWindow  = 5 * time.Second
	DefaultReachabilityCheck = 15 * time.Second
)

// newRetryBackOff builds an exponential backoff seeded at retryInterval,
// capped at 10x that, for the retry-timer escalation on repeated failures.
func newRetryBackOff(retryInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInterval
	b.MaxInterval = retryInterval * 10
	b.MaxElapsedTime = 0 // never give up; the replicator retries until stopped
	return b
}

func newReplicator(push bool, local store.Database, endpoint Endpoint, opts Options) (*Replicator, error) {
	opts = opts.withDefaults()

	client, err := remote.NewClient(endpoint.URL, mergeHeaders(endpoint.Headers, opts.Headers))
	if err != nil {
		return nil, err
	}
	client.Authorizer = opts.Authorizer

	r := &Replicator{
		push:         push,
		local:        local,
		endpoint:     endpoint,
		opts:         opts,
		logger:       new(logger.Noop),
		remoteClient: client,
		listeners:    make(map[int]Listener),
		backoffClock: newRetryBackOff(opts.RetryInterval),
	}
	client.SetLogger(r.logger)
	return r, nil
}

func mergeHeaders(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// SetLogger propagates a logger to the Replicator and its remote client,
// mirroring the teacher's Replicator.SetLogger (replicator.go).
func (r *Replicator) SetLogger(l logger.Logger) {
	r.logger = l
	r.remoteClient.SetLogger(l)
}

func (r *Replicator) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// HasSameSettingsAs reports whether other is a replicator with equivalent
// source/target/push/filter settings, used by POST /_replicate's cancel
// path and by Database.ActiveReplicatorLike.
func (r *Replicator) HasSameSettingsAs(other store.ActiveReplicator) bool {
	o, ok := other.(*Replicator)
	if !ok {
		return false
	}
	return r.push == o.push &&
		r.endpoint.URL == o.endpoint.URL &&
		r.opts.FilterName == o.opts.FilterName
}

func (r *Replicator) statusLocked() Status {
	return Status{
		SessionID:        r.sessionID,
		Running:          r.state == StateRunning || r.state == StateStopping,
		Online:           r.online,
		Active:           r.activeLocked(),
		LastSequence:     r.lastSequence,
		AsyncTaskCount:   r.asyncTasks,
		RevisionsFailed:  r.revisionsFailed,
		ChangesProcessed: r.changesProcessed,
		ChangesTotal:     r.changesTotal,
		Error:            r.err,
	}
}

// Status returns a snapshot of the replicator's current state.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// activeLocked implements spec §8's invariant: active <=> (batcher.count >
// 0 || asyncTaskCount > 0).
func (r *Replicator) activeLocked() bool {
	count := 0
	if r.batcher != nil {
		count = r.batcher.Count()
	}
	return count > 0 || r.asyncTasks > 0
}

// ActiveTaskInfo renders the snapshot consumed by GET /_active_tasks (spec
// §4.9).
func (r *Replicator) ActiveTaskInfo() map[string]interface{} {
	s := r.Status()
	kind := "pull"
	if r.push {
		kind = "push"
	}
	info := map[string]interface{}{
		"type":              "replication",
		"replication_id":    s.SessionID,
		"source":            sourceTargetFor(r.push, r.local.Name(), r.endpoint.URL, true),
		"target":            sourceTargetFor(r.push, r.local.Name(), r.endpoint.URL, false),
		"continuous":        r.opts.Continuous,
		"docs_written":      s.ChangesProcessed,
		"doc_write_failures": s.RevisionsFailed,
		"status":            humanStatus(s),
		"kind":              kind,
	}
	if s.Error != nil {
		info["error"] = []interface{}{statusOfAny(s.Error), s.Error.Error()}
	}
	return info
}

// statusOfAny mirrors router.asSyncErr's store-sentinel translation: a
// failure surfaced here may originate from the local store.Database
// (ErrNotFound/ErrConflict) rather than from syncerr itself.
func statusOfAny(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return syncerr.New(syncerr.NotFound, "").Status()
	case errors.Is(err, store.ErrConflict):
		return syncerr.New(syncerr.Conflict, "").Status()
	default:
		return syncerr.StatusOf(err)
	}
}

func sourceTargetFor(push bool, localName, remoteURL string, isSource bool) string {
	if push == isSource {
		return localName
	}
	return remoteURL
}

func humanStatus(s Status) string {
	switch {
	case s.Error != nil:
		return "Error"
	case !s.Running:
		return "Stopped"
	case s.Active:
		return "Running"
	default:
		return "Idle"
	}
}

// Start implements spec §4.5 "Startup": register with the database,
// construct the batcher, default the Authorizer, and go online (directly
// for a local URL, otherwise via the Reachability watcher).
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return nil // idempotent: starting twice is a no-op, matching Stop's idempotency requirement
	}
	r.state = StateRunning
	r.online = false
	r.sessionID = allocateSessionID()
	r.stopped = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancelRun = cancel
	r.mu.Unlock()

	if r.remoteClient.Authorizer == nil {
		if auth := remote.BasicAuthorizerFromURL(r.remoteClient.Base); auth != nil {
			r.remoteClient.Authorizer = auth
		} else if r.opts.BasicAuthUsername != "" {
			r.remoteClient.Authorizer = &remote.BasicAuthorizer{
				Username: r.opts.BasicAuthUsername,
				Password: r.opts.BasicAuthPassword,
			}
		}
	}

	if r.opts.Reset {
		id, err := r.computeCheckpointID()
		if err != nil {
			return err
		}
		r.checkpointID = id
		_ = r.local.SetLastSequence(runCtx, "", id)
	}

	r.local.AddActiveReplicator(r)

	r.batcher = batch.New(r.opts.BatchCapacity, r.opts.BatchDelay, func(items []interface{}) {
		r.runProcessInbox(runCtx, items)
	})

	if remote.IsLocalURL(r.remoteClient.Base) {
		r.goOnline(runCtx)
	} else {
		r.watcher = remote.NewWatcher(r.remoteClient.Base.Host, r.opts.ReachabilityCheck)
		ch := r.watcher.Start(runCtx)
		go r.watchReachability(runCtx, ch)
	}

	return nil
}

func (r *Replicator) watchReachability(ctx context.Context, ch <-chan remote.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			switch state {
			case remote.Reachable:
				r.goOnline(ctx)
			case remote.Unreachable:
				r.goOffline()
			}
		}
	}
}

func (r *Replicator) goOnline(ctx context.Context) {
	r.mu.Lock()
	if r.online || r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.online = true
	r.mu.Unlock()

	r.notify(EventProgress)

	go func() {
		if err := r.checkSession(ctx); err != nil {
			r.setError(err)
			return
		}
		if err := r.fetchRemoteCheckpointDoc(ctx); err != nil {
			r.setError(err)
			return
		}
		if err := r.strategy.beginReplicating(ctx); err != nil {
			r.setError(err)
		}
	}()
}

func (r *Replicator) goOffline() {
	r.mu.Lock()
	if !r.online {
		r.mu.Unlock()
		return
	}
	r.online = false
	r.mu.Unlock()

	r.remoteClient.Pool.StopAll()
	r.notify(EventProgress)
}

func (r *Replicator) setError(err error) {
	if syncerr.IsCancelled(err) {
		return // spec §4.5 "Error filtering": cancellation is expected during stop.
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.logger.Errorf("replicator error: %v", err)
	r.notify(EventProgress)
}

// checkSession implements spec §4.5 "checkSession".
func (r *Replicator) checkSession(ctx context.Context) error {
	login, ok := r.remoteClient.Authorizer.(remote.LoginCapable)
	if !ok {
		return nil
	}

	resp, err := r.remoteClient.Do(ctx, "GET", r.remoteClient.JoinPath("_session"), nil)
	if err == nil {
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode == 200 {
			var sr remote.SessionResponse
			if decErr := json.NewDecoder(resp.Body).Decode(&sr); decErr == nil && sr.UserCtx.Name != "" {
				return nil // already logged in
			}
		}
		// 404 (no /_session at this path) retried at the relative path,
		// to accommodate a gateway in front of bare CouchDB (spec §4.5).
		if resp.StatusCode == 404 {
			resp2, err2 := r.remoteClient.Do(ctx, "GET", "_session", nil)
			if err2 == nil {
				defer resp2.Body.Close() //nolint:errcheck
				if resp2.StatusCode == 200 {
					var sr2 remote.SessionResponse
					if decErr := json.NewDecoder(resp2.Body).Decode(&sr2); decErr == nil && sr2.UserCtx.Name != "" {
						return nil // already logged in, at the relative path
					}
				}
			}
		}
	}

	params, err := login.LoginParametersForSite(r.remoteClient.Base)
	if err != nil {
		return err
	}
	path := r.remoteClient.JoinPath(login.LoginPathForSite(r.remoteClient.Base))
	loginResp, err := r.remoteClient.DoJSON(ctx, "POST", path, params, nil)
	if err != nil {
		return err
	}
	if adopter, ok := login.(remote.CookieAdopter); ok {
		adopter.AdoptCookie(loginResp)
	}
	return nil
}

// fetchRemoteCheckpointDoc implements spec §4.5.
func (r *Replicator) fetchRemoteCheckpointDoc(ctx context.Context) error {
	id, err := r.computeCheckpointID()
	if err != nil {
		return err
	}
	r.checkpointID = id

	localSeq, _ := r.local.LastSequenceWithCheckpointID(ctx, id)

	var doc remote.Checkpoint
	_, err = r.remoteClient.DoJSON(ctx, "GET", r.remoteClient.JoinPath("_local", id), nil, &doc, remote.NoLog404)
	switch {
	case errors.Is(err, remoteNotFoundErr()):
		// absent: allow Pusher's maybeCreateRemoteDB; start from local (or 0).
		r.mu.Lock()
		r.lastSequence = localSeq
		r.checkpoint = remote.Checkpoint{}
		r.mu.Unlock()
	case err != nil:
		return err
	default:
		r.mu.Lock()
		r.checkpoint = doc
		if doc.LastSequence == localSeq {
			r.lastSequence = localSeq
		} else {
			// mismatch: start from 0, the safer choice (spec §4.5).
			r.logger.Warningf("checkpoint mismatch for %s: remote=%q local=%q, resetting to 0", id, doc.LastSequence, localSeq)
			r.lastSequence = "0"
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *Replicator) computeCheckpointID() (string, error) {
	return remote.CheckpointID(remote.CheckpointIDInput{
		LocalUUID:    r.local.PrivateUUID(),
		RemoteURL:    r.endpoint.URL,
		Push:         r.push,
		Filter:       r.opts.FilterName,
		FilterParams: r.opts.FilterParams,
	})
}

// advanceLastSequence moves lastSequence forward and marks it dirty,
// arming the coalesced save (spec §4.5 "saveLastSequence").
func (r *Replicator) advanceLastSequence(ctx context.Context, seq string) {
	r.mu.Lock()
	r.lastSequence = seq
	r.lastSeqChanged = true
	r.mu.Unlock()

	r.scheduleSave(ctx)
}

func (r *Replicator) scheduleSave(ctx context.Context) {
	r.mu.Lock()
	if r.saveTimer != nil {
		r.mu.Unlock()
		return
	}
	r.saveTimer = time.AfterFunc(r.opts.CheckpointWindow, func() {
		r.mu.Lock()
		r.saveTimer = nil
		r.mu.Unlock()
		r.saveLastSequence(ctx)
	})
	r.mu.Unlock()
}

// saveLastSequence implements spec §4.5's coalesced save.
func (r *Replicator) saveLastSequence(ctx context.Context) {
	r.mu.Lock()
	if !r.lastSeqChanged {
		r.mu.Unlock()
		return
	}
	if r.saveInFlight {
		r.saveOverdue = true
		r.mu.Unlock()
		return
	}
	r.saveInFlight = true
	seq := r.lastSequence
	checkpointID := r.checkpointID
	body := r.checkpoint.Clone()
	r.lastSeqChanged = false
	r.mu.Unlock()

	body.LastSequence = seq
	body.ID = "_local/" + checkpointID

	var saved remote.Checkpoint
	_, err := r.remoteClient.DoJSON(ctx, "PUT", r.remoteClient.JoinPath("_local", checkpointID), body, &saved)

	r.mu.Lock()
	r.saveInFlight = false
	if err != nil {
		r.logger.Warningf("saveLastSequence failed: %v", err) // not retried immediately; next change re-arms the timer
	} else {
		r.checkpoint = body
		if saved.Rev != "" {
			r.checkpoint.Rev = saved.Rev
		}
		overdue := r.saveOverdue
		r.saveOverdue = false
		r.mu.Unlock()

		_ = r.local.SetLastSequence(ctx, seq, checkpointID)

		if overdue {
			r.saveLastSequence(ctx)
		}
		return
	}
	r.mu.Unlock()
}

// Stop implements spec §4.5/§5: idempotent, flushes the batcher
// synchronously, cancels in-flight requests and the retry timer, and
// transitions to Stopped only once asyncTaskCount reaches zero.
func (r *Replicator) Stop(ctx context.Context) {
	r.mu.Lock()
	if r.state == StateStopping || r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	r.state = StateStopping
	if r.watcher != nil {
		r.watcher.Stop()
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
	saveOutstanding := r.saveInFlight
	r.mu.Unlock()

	if r.batcher != nil {
		r.batcher.FlushAll()
	}
	r.remoteClient.Pool.StopAll()

	// wait for any processInbox still running (e.g. one started by the
	// batcher's delay timer) before declaring Stopped; ctx bounds the wait.
	for {
		r.mu.Lock()
		pending := r.asyncTasks
		r.mu.Unlock()
		if pending == 0 || ctx.Err() != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if saveOutstanding {
		// the in-flight save's DB reference is about to be cleared;
		// pre-emptively persist the local mirror so the sequence isn't lost.
		r.mu.Lock()
		seq, id := r.lastSequence, r.checkpointID
		r.mu.Unlock()
		_ = r.local.SetLastSequence(ctx, seq, id)
	} else {
		r.saveLastSequence(ctx)
	}

	r.local.RemoveActiveReplicator(r)

	r.mu.Lock()
	r.state = StateStopped
	if r.cancelRun != nil {
		r.cancelRun()
	}
	stopped := r.stopped
	r.mu.Unlock()

	if stopped != nil {
		close(stopped)
	}
	r.notify(EventStopped)
}

// Done returns a channel closed once the replicator has fully stopped.
func (r *Replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// runProcessInbox wraps the strategy's processInbox with asyncTaskCount
// bookkeeping, active-state notifications, retry scheduling, and the
// Stopped transition once the queue has drained (spec §4.5 state table).
func (r *Replicator) runProcessInbox(ctx context.Context, items []interface{}) {
	r.beginAsyncTask()
	// endAsyncTask must run before the idle check below, or activeLocked
	// still sees this call's own asyncTasks increment and idle is never
	// true (deferred here so a panic in processInbox still decrements).
	defer func() {
		r.endAsyncTask()
		r.finishProcessInbox(ctx)
	}()

	r.notify(EventProgress)

	err := r.strategy.processInbox(ctx, items)
	if err != nil && !syncerr.IsCancelled(err) {
		r.setError(err)
	}
	r.reportMetrics()
}

// finishProcessInbox runs once asyncTasks has been decremented, deciding
// whether the replicator is now idle and, if so, scheduling a retry and/or
// the auto-stop for a one-shot replication (spec §4.5 state table).
func (r *Replicator) finishProcessInbox(ctx context.Context) {
	r.mu.Lock()
	idle := !r.activeLocked()
	continuous := r.opts.Continuous
	failed := r.revisionsFailed > 0
	state := r.state
	r.mu.Unlock()

	r.notify(EventProgress)

	if idle {
		if failed {
			r.scheduleRetry(ctx)
		}
		if !continuous && state == StateRunning {
			go r.Stop(ctx)
		}
	}
}

func (r *Replicator) beginAsyncTask() {
	r.mu.Lock()
	r.asyncTasks++
	r.mu.Unlock()
	r.reportMetrics()
}

func (r *Replicator) endAsyncTask() {
	r.mu.Lock()
	r.asyncTasks--
	r.mu.Unlock()
	r.reportMetrics()
}

// scheduleRetry implements spec §4.5 "Retry": 60s after going idle with
// failures, call retryIfReady, which defers if offline. Repeated failures
// back off further via r.backoffClock rather than hammering the remote
// every 60s indefinitely.
func (r *Replicator) scheduleRetry(ctx context.Context) {
	r.mu.Lock()
	if r.retryTimer != nil {
		r.mu.Unlock()
		return
	}
	wait := r.backoffClock.NextBackOff()
	if wait == backoff.Stop {
		wait = r.opts.RetryInterval
	}
	r.retryTimer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.retryTimer = nil
		r.mu.Unlock()
		r.retryIfReady(ctx)
	})
	r.mu.Unlock()
}

func (r *Replicator) retryIfReady(ctx context.Context) {
	r.mu.Lock()
	online := r.online
	r.mu.Unlock()
	if !online {
		return
	}
	r.mu.Lock()
	r.revisionsFailed = 0
	r.mu.Unlock()
	if err := r.strategy.beginReplicating(ctx); err != nil {
		r.setError(err)
		return
	}
	r.backoffClock.Reset()
}

func remoteNotFoundErr() error { return remote.ErrNotFound }
