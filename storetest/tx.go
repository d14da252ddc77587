package storetest

import (
	"context"

	"github.com/goydb/syncd/revision"
	"github.com/goydb/syncd/store"
)

// clone returns a deep-enough copy of d for a pre-transaction snapshot:
// Put/ForceInsert mutate leafs/order in place, so the snapshot needs its
// own map and slice rather than sharing d's.
func (d *docRevisions) clone() *docRevisions {
	leafs := make(map[string]revision.Ref, len(d.leafs))
	for revID, ref := range d.leafs {
		leafs[revID] = ref
	}
	return &docRevisions{
		leafs: leafs,
		order: append([]string(nil), d.order...),
	}
}

// bulkTx implements store.BulkTx over Store: it snapshots every document
// at BeginBulkTx time and, on Rollback, restores exactly the documents
// this transaction touched (deleting any that didn't exist beforehand).
// Writes apply to the live store immediately rather than to a side
// buffer, so a subscriber watching Subscribe() may observe a change that
// is later rolled back — acceptable for _bulk_docs' all_or_nothing
// guarantee, which is about what GetDocument/_all_docs/_changes settle
// on, not about live-feed visibility of in-flight writes.
type bulkTx struct {
	store       *Store
	docSnapshot map[string]*docRevisions
	seqSnapshot uint64
	touched     map[string]bool
	closed      bool
}

// BeginBulkTx implements store.Transactor (spec §8's _bulk_docs
// all_or_nothing invariant).
func (s *Store) BeginBulkTx(ctx context.Context) (store.BulkTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]*docRevisions, len(s.docs))
	for docID, d := range s.docs {
		snapshot[docID] = d.clone()
	}
	return &bulkTx{
		store:       s,
		docSnapshot: snapshot,
		seqSnapshot: s.seq,
		touched:     make(map[string]bool),
	}, nil
}

func (tx *bulkTx) Put(ctx context.Context, docID, prevRevID string, body map[string]interface{}, deleted bool) (revision.Ref, error) {
	tx.touched[docID] = true
	return tx.store.Put(ctx, docID, prevRevID, body, deleted)
}

func (tx *bulkTx) ForceInsert(ctx context.Context, rev revision.Ref, history []string) error {
	tx.touched[rev.DocID] = true
	return tx.store.ForceInsert(ctx, rev, history)
}

func (tx *bulkTx) Commit(ctx context.Context) error {
	tx.closed = true
	return nil
}

// Rollback restores every document this transaction touched to its
// pre-BeginBulkTx state. Idempotent: a Rollback after Commit (or a second
// Rollback) is a no-op.
func (tx *bulkTx) Rollback(ctx context.Context) error {
	if tx.closed {
		return nil
	}
	tx.closed = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for docID := range tx.touched {
		if orig, existed := tx.docSnapshot[docID]; existed {
			tx.store.docs[docID] = orig
		} else {
			delete(tx.store.docs, docID)
		}
	}
	tx.store.seq = tx.seqSnapshot
	return nil
}
