package replicator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
	"github.com/goydb/syncd/syncerr"
)

// Puller fetches remote changes and force-inserts them locally (spec §4.7).
type Puller struct {
	r *Replicator

	mu        sync.Mutex
	streaming bool
	streamCancel context.CancelFunc
}

// NewPuller constructs a Replicator configured to pull remote changes into
// local (spec §4.5's other branch).
func NewPuller(local store.Database, remoteEndpoint Endpoint, opts Options) (*Replicator, error) {
	r, err := newReplicator(false, local, remoteEndpoint, opts)
	if err != nil {
		return nil, err
	}
	p := &Puller{r: r}
	r.strategy = p
	return r, nil
}

// remoteChange is one row of a GET _changes response (spec §4.7). Seq
// accepts both a JSON number (as router.changesRow emits) and a quoted
// decimal string.
type remoteChange struct {
	Seq     json.Number `json:"seq"`
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

type changesFeed struct {
	Results []remoteChange `json:"results"`
	LastSeq string         `json:"last_seq"`
}

// beginReplicating implements spec §4.7: continuous mode opens a streaming
// GET and keeps it open; one-shot mode issues a single feed=normal GET.
func (p *Puller) beginReplicating(ctx context.Context) error {
	if p.r.opts.Continuous {
		p.mu.Lock()
		if p.streaming {
			p.mu.Unlock()
			return nil
		}
		streamCtx, cancel := context.WithCancel(ctx)
		p.streaming = true
		p.streamCancel = cancel
		p.mu.Unlock()

		go p.streamLoop(streamCtx)
		return nil
	}

	return p.fetchOnce(ctx, "normal")
}

// fetchOnce issues one GET _changes?feed=<feed>&since=<seq> and queues the
// rows it returns.
func (p *Puller) fetchOnce(ctx context.Context, feed string) error {
	since := p.r.Status().LastSequence
	if since == "" {
		since = "0"
	}
	path := fmt.Sprintf("%s?feed=%s&since=%s&include_docs=false&style=all_docs",
		p.r.remoteClient.JoinPath("_changes"), feed, since)

	var body changesFeed
	_, err := p.r.remoteClient.DoJSON(ctx, "GET", path, nil, &body)
	if err != nil {
		return err
	}

	items := make([]interface{}, 0, len(body.Results))
	for _, c := range body.Results {
		items = append(items, c)
	}
	if len(items) > 0 {
		p.r.batcher.QueueMany(items)
	}
	return nil
}

// streamLoop implements spec §4.7's continuous feed: an NDJSON stream, one
// JSON object decoded per line, each row queued as it arrives. A dropped
// connection restarts the GET from the replicator's current lastSequence.
func (p *Puller) streamLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.streaming = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := p.streamOnce(ctx); err != nil {
			if syncerr.IsCancelled(err) {
				return
			}
			p.r.setError(err)
			return // scheduleRetry (driven by processInbox failures) restarts beginReplicating
		}
	}
}

func (p *Puller) streamOnce(ctx context.Context) error {
	since := p.r.Status().LastSequence
	if since == "" {
		since = "0"
	}
	path := fmt.Sprintf("%s?feed=continuous&since=%s&heartbeat=30000&include_docs=false",
		p.r.remoteClient.JoinPath("_changes"), since)

	resp, err := p.r.remoteClient.Do(ctx, "GET", path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return syncerr.New(syncerr.Network, fmt.Sprintf("_changes feed: %s: %s", resp.Status, data))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue // heartbeat newline
		}
		var c remoteChange
		if err := json.Unmarshal(line, &c); err != nil {
			continue // malformed row; skip rather than abort the whole feed
		}
		p.r.batcher.Queue(c)
	}
	return scanner.Err()
}

// processInbox implements spec §4.7: for each remote change row, fetch any
// revisions the local store doesn't already have and force-insert them.
func (p *Puller) processInbox(ctx context.Context, items []interface{}) error {
	var maxSeq uint64
	var anyFailed bool

	for _, item := range items {
		c, ok := item.(remoteChange)
		if !ok {
			continue
		}
		seq := parseSeq(c.Seq.String())

		candidates := make(revision.List, 0, len(c.Changes))
		for _, ch := range c.Changes {
			candidates = append(candidates, revision.Ref{DocID: c.ID, RevID: ch.Rev})
		}

		missing, err := p.r.local.FindMissingRevisions(ctx, candidates)
		if err != nil {
			anyFailed = true
			p.r.mu.Lock()
			p.r.revisionsFailed++
			p.r.mu.Unlock()
			break // same gap rule as a failed pull below
		}

		rowFailed := false
		for _, want := range missing {
			if err := p.pullRevision(ctx, c.ID, want.RevID, c.Deleted); err != nil {
				rowFailed = true
				p.r.mu.Lock()
				p.r.revisionsFailed++
				p.r.mu.Unlock()
			}
		}

		if rowFailed {
			anyFailed = true
			break // spec §4.7: don't advance lastSequence past a failure-caused gap
		}

		if seq > maxSeq {
			maxSeq = seq
		}
		p.r.mu.Lock()
		p.r.changesProcessed++
		p.r.mu.Unlock()
	}

	if maxSeq > 0 {
		p.r.advanceLastSequence(ctx, fmtSeq(maxSeq))
	}
	if anyFailed {
		return fmt.Errorf("puller: %d revision(s) failed", p.r.Status().RevisionsFailed)
	}
	return nil
}

// pullRevision fetches one revision's body plus its _revisions history
// (GET <docID>?rev=<revID>&revs=true) and force-inserts it.
func (p *Puller) pullRevision(ctx context.Context, docID, revID string, deleted bool) error {
	path := fmt.Sprintf("%s?rev=%s&revs=true", p.r.remoteClient.JoinPath(docID), revID)

	var body map[string]interface{}
	_, err := p.r.remoteClient.DoJSON(ctx, "GET", path, nil, &body)
	if err != nil {
		return err
	}

	history := extractRevisionHistory(body)
	delete(body, "_revisions")
	delete(body, "_id")
	delete(body, "_rev")

	ref := revision.Ref{
		DocID:   docID,
		RevID:   revID,
		Deleted: deleted,
		Body:    body,
	}
	return p.r.local.ForceInsert(ctx, ref, history)
}

// extractRevisionHistory turns CouchDB's {"start":N,"ids":[...]} encoding
// into the "<gen>-<id>" history list ForceInsert expects.
func extractRevisionHistory(body map[string]interface{}) []string {
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
