// Package store declares the contract the embedded storage engine must
// satisfy. The storage engine itself — revision tree, attachment blob
// store, view indexer — is out of scope (spec §1); this package only
// fixes the boundary the router and replicator program against.
package store

import (
	"context"
	"errors"

	"github.com/goydb/syncd/revision"
)

// Sentinel errors a store.Database implementation wraps with fmt.Errorf's
// %w so callers (notably the router) can errors.Is against them without
// depending on a specific implementation's error type.
var (
	ErrNotFound      = errors.New("document not found")
	ErrConflict      = errors.New("revision conflict")
	ErrNotImplemented = errors.New("not implemented")
)

// ChangesOptions controls a changesSince query (spec §3).
//
// Invariant: SortBySequence and IncludeConflicts are mutually exclusive —
// conflict mode groups by docID instead of sorting by sequence.
type ChangesOptions struct {
	Limit            int
	IncludeDocs      bool
	IncludeConflicts bool
	SortBySequence   bool
	ContentOptions   ContentOptions
	UpdateSeq        bool
}

// Validate enforces the SortBySequence <=> !IncludeConflicts invariant.
func (o ChangesOptions) Validate() error {
	if o.SortBySequence == o.IncludeConflicts {
		return errInvalidChangesOptions
	}
	return nil
}

// ContentOptions controls how much of a document's body/attachments a
// read returns.
type ContentOptions struct {
	IncludeAttachments bool
	AttsSince          []string // ancestor revIDs; elide attachments with revpos <= common ancestor gen
}

// QueryOptions controls a view or _all_docs query (spec §3).
type QueryOptions struct {
	Keys        []string
	Skip        int
	Limit       int
	StartKey    interface{}
	EndKey      interface{}
	Descending  bool
	Reduce      *bool
	Group       bool
	GroupLevel  int
	IncludeDocs bool
	UpdateSeq   bool
	Stale       bool
}

// Filter is a compiled change/replication filter function, produced by the
// (out of scope) scripting runtime via CompileFilter.
type Filter func(doc map[string]interface{}, params map[string]interface{}) bool

// ViewFunc is a compiled map/reduce view, produced by CompileView.
type ViewFunc interface {
	UpdateIndex(ctx context.Context) error
	Query(ctx context.Context, opts QueryOptions) (Rows, error)
}

// Row is one row of a view or _all_docs response.
type Row struct {
	ID    string                 `json:"id"`
	Key   interface{}            `json:"key"`
	Value interface{}            `json:"value"`
	Doc   map[string]interface{} `json:"doc,omitempty"`
}

// Rows is a view/_all_docs result set.
type Rows struct {
	Rows      []Row
	TotalRows int
	Offset    int
	UpdateSeq uint64
}

// DocInfo is the database-level metadata returned by Database.Info.
type DocInfo struct {
	ID          string
	DocCount    int
	UpdateSeq   uint64
	DiskSize    int64
}

// Change is one entry produced by ChangesSince, shaped for the _changes
// endpoint (spec §4.9 "Change-row shape").
type Change struct {
	Sequence uint64
	DocID    string
	Deleted  bool
	Changes  []revision.Ref // one per leaf rev in conflict mode, one otherwise
	Doc      map[string]interface{}
}

var errInvalidChangesOptions = &invalidOptionsError{}

type invalidOptionsError struct{}

func (*invalidOptionsError) Error() string {
	return "ChangesOptions: SortBySequence must equal !IncludeConflicts"
}

// Database is the embedded store handle the router and replicator consume.
// Implementations are expected to run all methods on the database's own
// single-threaded execution context (spec §5); Database itself does not
// provide that serialization, callers do.
type Database interface {
	Name() string

	// Put performs a normal (non-forced) update: it allocates the next
	// generation for docID given prevRevID, validates against the current
	// winning revision, and returns the new Ref.
	Put(ctx context.Context, docID, prevRevID string, body map[string]interface{}, deleted bool) (revision.Ref, error)

	// ForceInsert inserts a revision with an explicit history, bypassing
	// normal conflict checking (new_edits=false semantics).
	ForceInsert(ctx context.Context, rev revision.Ref, history []string) error

	GetDocument(ctx context.Context, docID string, opts ContentOptions) (revision.Ref, error)
	GetLocalDocument(ctx context.Context, docID string) (map[string]interface{}, error)
	PutLocal(ctx context.Context, docID string, body map[string]interface{}) error

	GetAllDocs(ctx context.Context, opts QueryOptions) (Rows, error)
	GetAllRevisions(ctx context.Context, docID string) (revision.List, error)

	// ChangesSince returns the changes after seq, subject to opts/filter/params.
	ChangesSince(ctx context.Context, seq uint64, opts ChangesOptions, filter Filter, params map[string]interface{}) ([]Change, error)

	// FindMissingRevisions returns the revisions in list that the store
	// does not already have.
	FindMissingRevisions(ctx context.Context, list revision.List) (revision.List, error)

	GetPossibleAncestorRevisionIDs(ctx context.Context, rev revision.Ref, limit int) ([]string, error)

	Compact(ctx context.Context) error
	Purge(ctx context.Context, revs map[string][]string) (map[string][]string, error)

	RunFilter(ctx context.Context, f Filter, doc map[string]interface{}, params map[string]interface{}) bool
	CompileFilter(ctx context.Context, ddoc, name string) (Filter, error)
	CompileView(ctx context.Context, ddoc, name string, mapSrc, reduceSrc string) (ViewFunc, error)

	LastSequenceWithCheckpointID(ctx context.Context, checkpointID string) (string, error)
	SetLastSequence(ctx context.Context, seq string, checkpointID string) error

	PrivateUUID() string
	PublicUUID() string

	Info(ctx context.Context) (DocInfo, error)

	// AddActiveReplicator registers r as owned by the database while it
	// runs; ActiveReplicatorLike finds an existing registration with the
	// same settings (used by POST /_replicate cancel).
	AddActiveReplicator(r ActiveReplicator)
	RemoveActiveReplicator(r ActiveReplicator)
	ActiveReplicatorLike(r ActiveReplicator) ActiveReplicator
	ActiveReplicators() []ActiveReplicator

	// Subscribe returns the broadcast point new commits are announced on;
	// see the changes package for the broker that wraps this.
	Subscribe() (ch <-chan Change, cancel func())
}

// ActiveReplicator is the minimal view of a replicator the Database needs
// in order to track and compare running replications (spec §4.5 "Back-
// reference from Replicator to Database").
type ActiveReplicator interface {
	SessionID() string
	HasSameSettingsAs(other ActiveReplicator) bool
	Stop(ctx context.Context)
	ActiveTaskInfo() map[string]interface{}
}

// Transactor is implemented by a Database that can stage a batch of
// document mutations and commit or discard them as a unit. It backs
// _bulk_docs' all_or_nothing mode (spec §8: "either every doc appears in
// the store or none do"); a Database that doesn't implement it can't
// offer that guarantee and all_or_nothing requests against it must fail
// rather than silently behave as non-atomic.
type Transactor interface {
	BeginBulkTx(ctx context.Context) (BulkTx, error)
}

// BulkTx stages Put/ForceInsert calls against the Database that produced
// it. None of the staged writes are guaranteed visible to other readers
// until Commit; Rollback discards all of them, restoring the state the
// Database was in when BeginBulkTx was called. Exactly one of
// Commit/Rollback must be called.
type BulkTx interface {
	Put(ctx context.Context, docID, prevRevID string, body map[string]interface{}, deleted bool) (revision.Ref, error)
	ForceInsert(ctx context.Context, rev revision.Ref, history []string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
