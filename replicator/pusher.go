package replicator

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

// Pusher drains local changes to the remote's _bulk_docs (spec §4.6).
type Pusher struct {
	r *Replicator

	subCancel func()

	// seedWatermark is the highest sequence already queued by
	// beginReplicating's seed ChangesSince call. pump drops any live
	// change at or below it, since subscribing happens before the seed
	// query completes and the two would otherwise overlap and double-
	// queue anything committed in that window (spec.md's flagged
	// "Pusher processInbox double-enqueue" open question).
	seedWatermark atomic.Uint64
}

// NewPusher constructs a Replicator configured to push local changes to
// remote (spec §4.5 "Idle -> start with push").
func NewPusher(local store.Database, remoteEndpoint Endpoint, opts Options) (*Replicator, error) {
	r, err := newReplicator(true, local, remoteEndpoint, opts)
	if err != nil {
		return nil, err
	}
	p := &Pusher{r: r}
	r.strategy = p
	return r, nil
}

// beginReplicating subscribes to local change notifications and seeds the
// batcher with changes since lastSequence (spec §4.6).
//
// Subscribe happens before the seed ChangesSince query so no change is ever
// missed, but that ordering means a change committed in the gap between
// Subscribe and the seed query's snapshot arrives on both paths: once in
// the seed fetch's results, once via pump. seedWatermark closes that gap —
// it's set to the seed fetch's max sequence only after the fetch completes,
// and a new subscription's pump is started only after that (live changes
// wait in the subscription's buffer meanwhile), so pump drops any live
// change at or below it, since the seed fetch already queued it.
func (p *Pusher) beginReplicating(ctx context.Context) error {
	if p.r.opts.CreateTarget {
		if err := p.maybeCreateRemoteDB(ctx); err != nil {
			return err
		}
	}

	var startPump func()
	if p.subCancel == nil {
		ch, cancel := p.r.local.Subscribe()
		p.subCancel = cancel
		startPump = func() { go p.pump(ctx, ch) }
	}

	since := parseSeq(p.r.Status().LastSequence)
	changes, err := p.r.local.ChangesSince(ctx, since, store.ChangesOptions{
		SortBySequence: true,
		IncludeDocs:    true,
	}, p.localFilter(), p.r.opts.FilterParams)
	if err != nil {
		if startPump != nil {
			startPump()
		}
		return err
	}

	var seedMax uint64
	items := make([]interface{}, len(changes))
	for i, c := range changes {
		items[i] = c
		if c.Sequence > seedMax {
			seedMax = c.Sequence
		}
	}
	// Raise-only: a later beginReplicating call (e.g. after a reconnect)
	// must not lower a watermark pump is already filtering against.
	for {
		cur := p.seedWatermark.Load()
		if seedMax <= cur || p.seedWatermark.CompareAndSwap(cur, seedMax) {
			break
		}
	}
	if startPump != nil {
		startPump()
	}
	p.r.batcher.QueueMany(items)
	return nil
}

func (p *Pusher) localFilter() store.Filter {
	if p.r.opts.FilterName == "" {
		return nil
	}
	// No filter is compiled here: the result is nil whether or not
	// FilterName is set.
	return nil
}

func (p *Pusher) pump(ctx context.Context, ch <-chan store.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if c.Sequence <= p.seedWatermark.Load() {
				continue // already queued by beginReplicating's seed fetch
			}
			p.r.batcher.Queue(c)
		}
	}
}

// maybeCreateRemoteDB implements spec §4.6: PUT the remote root, accepting
// 412 "exists".
func (p *Pusher) maybeCreateRemoteDB(ctx context.Context) error {
	resp, err := p.r.remoteClient.Do(ctx, "PUT", p.r.remoteClient.Base.String(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode == 201 || resp.StatusCode == 412 {
		return nil
	}
	return syncerr.New(syncerr.ServerError, fmt.Sprintf("create target failed: %s", resp.Status))
}

// processInbox implements spec §4.6 steps 1-5.
func (p *Pusher) processInbox(ctx context.Context, items []interface{}) error {
	changes := make([]store.Change, 0, len(items))
	for _, item := range items {
		if c, ok := item.(store.Change); ok {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return nil
	}

	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Sequence < changes[j].Sequence })

	diffReq := make(map[string][]string, len(changes))
	for _, c := range changes {
		for _, rev := range c.Changes {
			diffReq[c.DocID] = append(diffReq[c.DocID], rev.RevID)
		}
	}

	var diffResp map[string]struct {
		Missing []string `json:"missing"`
	}
	_, err := p.r.remoteClient.DoJSON(ctx, "POST", p.r.remoteClient.JoinPath("_revs_diff"), diffReq, &diffResp)
	if err != nil {
		return err
	}

	missing := make(map[string]map[string]bool, len(diffResp))
	for docID, d := range diffResp {
		set := make(map[string]bool, len(d.Missing))
		for _, revID := range d.Missing {
			set[revID] = true
		}
		missing[docID] = set
	}

	var docs []map[string]interface{}
	failedDocIDs := make(map[string]bool)

	for _, c := range changes {
		set := missing[c.DocID]
		for _, rev := range c.Changes {
			if set == nil || !set[rev.RevID] {
				continue // remote already has it
			}
			ref, err := p.r.local.GetDocument(ctx, c.DocID, store.ContentOptions{IncludeAttachments: true})
			if err != nil {
				failedDocIDs[c.DocID] = true
				p.r.mu.Lock()
				p.r.revisionsFailed++
				p.r.mu.Unlock()
				continue
			}
			body := cloneBody(ref.Body)
			body["_id"] = c.DocID
			body["_rev"] = rev.RevID
			if rev.Deleted {
				body["_deleted"] = true
			}
			docs = append(docs, body)
		}
	}

	if len(docs) > 0 {
		bulkReq := map[string]interface{}{"docs": docs, "new_edits": false}
		var bulkResp []map[string]interface{}
		_, err := p.r.remoteClient.DoJSON(ctx, "POST", p.r.remoteClient.JoinPath("_bulk_docs"), bulkReq, &bulkResp)
		if err != nil {
			return err
		}
		for _, entry := range bulkResp {
			if errStr, ok := entry["error"]; ok && errStr != nil {
				if id, ok := entry["id"].(string); ok {
					failedDocIDs[id] = true
				}
				p.r.mu.Lock()
				p.r.revisionsFailed++
				p.r.mu.Unlock()
			}
		}
	}

	// advance lastSequence to the highest contiguous sequence whose
	// revisions all succeeded (spec §4.6 step 4: never advance past a
	// failure-caused gap).
	var maxGood uint64
	for _, c := range changes {
		if failedDocIDs[c.DocID] {
			break
		}
		maxGood = c.Sequence
		p.r.mu.Lock()
		p.r.changesProcessed++
		p.r.mu.Unlock()
	}
	if maxGood > 0 {
		p.r.advanceLastSequence(ctx, fmtSeq(maxGood))
	}

	return nil
}

func cloneBody(body map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	return out
}
