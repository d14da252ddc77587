// Package storetest provides an in-memory store.Database implementation
// used to exercise the router and replicator packages in tests without a
// real storage engine (which is out of scope per spec §1).
//
// It implements just enough of the revision-tree semantics (one winning
// leaf per docID, monotonic generations, conflict tracking) to make the
// round-trip and boundary properties in spec §8 observable in tests; it
// is not a candidate storage engine implementation.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goydb/syncd/changes"
	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
)

type docRevisions struct {
	leafs map[string]revision.Ref // revID -> ref, all known leaf+historical revs kept flat
	order []string                // revIDs in insertion order
}

// Store is an in-memory store.Database.
type Store struct {
	name string

	mu        sync.Mutex
	docs      map[string]*docRevisions
	locals    map[string]map[string]interface{}
	seq       uint64
	checkpts  map[string]string
	privUUID  string
	pubUUID   string

	broker *changes.Broker

	replMu sync.Mutex
	repls  []store.ActiveReplicator
}

func New(name string) *Store {
	return &Store{
		name:     name,
		docs:     make(map[string]*docRevisions),
		locals:   make(map[string]map[string]interface{}),
		checkpts: make(map[string]string),
		privUUID: "priv-" + name,
		pubUUID:  "pub-" + name,
		broker:   changes.NewBroker(),
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func winningRevID(d *docRevisions) string {
	var best string
	bestGen := -1
	for _, revID := range d.order {
		ref := d.leafs[revID]
		gen := ref.Generation()
		if gen > bestGen || (gen == bestGen && revID > best) {
			best = revID
			bestGen = gen
		}
	}
	return best
}

func (s *Store) Put(ctx context.Context, docID, prevRevID string, body map[string]interface{}, deleted bool) (revision.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.docs[docID]
	if d == nil {
		d = &docRevisions{leafs: make(map[string]revision.Ref)}
		s.docs[docID] = d
	}

	current := winningRevID(d)
	if current != prevRevID {
		return revision.Ref{}, fmt.Errorf("%w: current rev is %q, got %q", store.ErrConflict, current, prevRevID)
	}

	gen := revision.Generation(prevRevID) + 1
	revID := fmt.Sprintf("%d-%s", gen, randomSuffix())

	ref := revision.Ref{
		DocID:    docID,
		RevID:    revID,
		Deleted:  deleted,
		Sequence: s.nextSeq(),
		Body:     body,
	}
	d.leafs[revID] = ref
	d.order = append(d.order, revID)

	s.publish(ref)
	return ref, nil
}

func (s *Store) ForceInsert(ctx context.Context, rev revision.Ref, history []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.docs[rev.DocID]
	if d == nil {
		d = &docRevisions{leafs: make(map[string]revision.Ref)}
		s.docs[rev.DocID] = d
	}
	if _, exists := d.leafs[rev.RevID]; exists {
		return nil // already have it; common in replication dedup paths
	}

	rev.Sequence = s.nextSeq()
	d.leafs[rev.RevID] = rev
	d.order = append(d.order, rev.RevID)

	s.publish(rev)
	return nil
}

func (s *Store) publish(rev revision.Ref) {
	s.broker.Publish(store.Change{
		Sequence: rev.Sequence,
		DocID:    rev.DocID,
		Deleted:  rev.Deleted,
		Changes:  []revision.Ref{rev},
		Doc:      rev.Body,
	})
}

func (s *Store) GetDocument(ctx context.Context, docID string, opts store.ContentOptions) (revision.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.docs[docID]
	if d == nil {
		return revision.Ref{}, fmt.Errorf("%w: %s", store.ErrNotFound, docID)
	}
	win := winningRevID(d)
	return d.leafs[win], nil
}

func (s *Store) GetLocalDocument(ctx context.Context, docID string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.locals[docID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, docID)
	}
	return body, nil
}

func (s *Store) PutLocal(ctx context.Context, docID string, body map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locals[docID] = body
	return nil
}

func (s *Store) GetAllDocs(ctx context.Context, opts store.QueryOptions) (store.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if opts.Descending {
		sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	}

	total := len(ids)
	if opts.Skip > 0 && opts.Skip < len(ids) {
		ids = ids[opts.Skip:]
	} else if opts.Skip >= len(ids) {
		ids = nil
	}
	if opts.Limit > 0 && opts.Limit < len(ids) {
		ids = ids[:opts.Limit]
	}

	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		win := winningRevID(s.docs[id])
		ref := s.docs[id].leafs[win]
		row := store.Row{ID: id, Key: id, Value: map[string]interface{}{"rev": ref.RevID}}
		if opts.IncludeDocs {
			row.Doc = ref.Body
		}
		rows = append(rows, row)
	}

	return store.Rows{Rows: rows, TotalRows: total, Offset: opts.Skip, UpdateSeq: s.seq}, nil
}

func (s *Store) GetAllRevisions(ctx context.Context, docID string) (revision.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.docs[docID]
	if d == nil {
		return nil, nil
	}
	out := make(revision.List, 0, len(d.order))
	for _, revID := range d.order {
		out = append(out, d.leafs[revID])
	}
	return out, nil
}

func (s *Store) ChangesSince(ctx context.Context, since uint64, opts store.ChangesOptions, filter store.Filter, params map[string]interface{}) ([]store.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var all []store.Change
	for docID, d := range s.docs {
		win := winningRevID(d)
		for _, revID := range d.order {
			ref := d.leafs[revID]
			if ref.Sequence <= since {
				continue
			}
			if filter != nil && !s.RunFilter(ctx, filter, ref.Body, params) {
				continue
			}

			if opts.IncludeConflicts {
				// conflict mode: group by docID below; emit every leaf seen.
				all = append(all, store.Change{
					Sequence: ref.Sequence,
					DocID:    docID,
					Deleted:  ref.Deleted,
					Changes:  []revision.Ref{ref},
				})
				continue
			}

			// non-conflict mode: suppress an update that doesn't move the
			// winner, substitute the winner's body, keep the current seq.
			if revID != win {
				continue
			}
			doc := ref.Body
			if opts.IncludeDocs {
				if winRef := d.leafs[win]; winRef.Body != nil {
					doc = winRef.Body
				}
			} else {
				doc = nil
			}
			all = append(all, store.Change{
				Sequence: ref.Sequence,
				DocID:    docID,
				Deleted:  d.leafs[win].Deleted,
				Changes:  []revision.Ref{d.leafs[win]},
				Doc:      doc,
			})
		}
	}

	if opts.IncludeConflicts {
		merged := make(map[string]*store.Change)
		var docOrder []string
		for _, c := range all {
			existing, ok := merged[c.DocID]
			if !ok {
				cc := c
				merged[c.DocID] = &cc
				docOrder = append(docOrder, c.DocID)
				continue
			}
			existing.Changes = append(existing.Changes, c.Changes...)
			if c.Sequence > existing.Sequence {
				existing.Sequence = c.Sequence
			}
		}
		all = all[:0]
		for _, docID := range docOrder {
			all = append(all, *merged[docID])
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Sequence < all[j].Sequence })

	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}

	return all, nil
}

func (s *Store) FindMissingRevisions(ctx context.Context, list revision.List) (revision.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing revision.List
	for _, ref := range list {
		d := s.docs[ref.DocID]
		if d == nil {
			missing = append(missing, ref)
			continue
		}
		if _, ok := d.leafs[ref.RevID]; !ok {
			missing = append(missing, ref)
		}
	}
	return missing, nil
}

func (s *Store) GetPossibleAncestorRevisionIDs(ctx context.Context, rev revision.Ref, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.docs[rev.DocID]
	if d == nil {
		return nil, nil
	}
	targetGen := rev.Generation()
	var out []string
	for _, revID := range d.order {
		if revision.Generation(revID) < targetGen {
			out = append(out, revID)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Compact(ctx context.Context) error { return nil }

func (s *Store) Purge(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := make(map[string][]string)
	for docID, revIDs := range revs {
		d := s.docs[docID]
		if d == nil {
			continue
		}
		for _, revID := range revIDs {
			if _, ok := d.leafs[revID]; ok {
				delete(d.leafs, revID)
				purged[docID] = append(purged[docID], revID)
			}
		}
		filtered := d.order[:0]
		for _, revID := range d.order {
			if _, ok := d.leafs[revID]; ok {
				filtered = append(filtered, revID)
			}
		}
		d.order = filtered
	}
	return purged, nil
}

func (s *Store) RunFilter(ctx context.Context, f store.Filter, doc map[string]interface{}, params map[string]interface{}) bool {
	if f == nil {
		return true
	}
	return f(doc, params)
}

func (s *Store) CompileFilter(ctx context.Context, ddoc, name string) (store.Filter, error) {
	return nil, fmt.Errorf("%w: compileFilter is provided by the (out of scope) scripting runtime", store.ErrNotImplemented)
}

func (s *Store) CompileView(ctx context.Context, ddoc, name string, mapSrc, reduceSrc string) (store.ViewFunc, error) {
	return nil, fmt.Errorf("%w: compileView is provided by the (out of scope) scripting runtime", store.ErrNotImplemented)
}

func (s *Store) LastSequenceWithCheckpointID(ctx context.Context, checkpointID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpts[checkpointID], nil
}

func (s *Store) SetLastSequence(ctx context.Context, seq string, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpts[checkpointID] = seq
	return nil
}

func (s *Store) PrivateUUID() string { return s.privUUID }
func (s *Store) PublicUUID() string  { return s.pubUUID }

func (s *Store) Info(ctx context.Context) (store.DocInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.DocInfo{ID: s.name, DocCount: len(s.docs), UpdateSeq: s.seq}, nil
}

func (s *Store) AddActiveReplicator(r store.ActiveReplicator) {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	s.repls = append(s.repls, r)
}

func (s *Store) RemoveActiveReplicator(r store.ActiveReplicator) {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	for i, existing := range s.repls {
		if existing == r {
			s.repls = append(s.repls[:i], s.repls[i+1:]...)
			return
		}
	}
}

func (s *Store) ActiveReplicatorLike(r store.ActiveReplicator) store.ActiveReplicator {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	for _, existing := range s.repls {
		if existing.HasSameSettingsAs(r) {
			return existing
		}
	}
	return nil
}

func (s *Store) ActiveReplicators() []store.ActiveReplicator {
	s.replMu.Lock()
	defer s.replMu.Unlock()
	out := make([]store.ActiveReplicator, len(s.repls))
	copy(out, s.repls)
	return out
}

func (s *Store) Subscribe() (<-chan store.Change, func()) {
	return s.broker.Subscribe(64)
}

// CurrentSequence exposes the store's latest sequence number for tests.
func (s *Store) CurrentSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

var seqCounter uint64
var seqMu sync.Mutex

func randomSuffix() string {
	seqMu.Lock()
	seqCounter++
	n := seqCounter
	seqMu.Unlock()
	return strings.TrimLeft(strconv.FormatUint(n, 36), "0")
}

