// Package revision defines the identity types shared by the router and the
// replicator: a Revision is one version of a document, identified by
// (docID, revID), and a RevisionList is an ordered multiset of them.
package revision

import (
	"sort"
	"strconv"
	"strings"
)

// Ref is the immutable identity of one document revision.
//
// Equality is by (DocID, RevID); Sequence and Body are metadata carried
// alongside the identity, not part of it.
type Ref struct {
	DocID    string
	RevID    string
	Deleted  bool
	Sequence uint64
	Body     map[string]interface{}
}

// Equal reports whether r and other identify the same revision.
func (r Ref) Equal(other Ref) bool {
	return r.DocID == other.DocID && r.RevID == other.RevID
}

// Generation returns the leading integer of RevID ("3-abc" -> 3). Returns 0
// for a malformed RevID.
func (r Ref) Generation() int {
	return Generation(r.RevID)
}

// Generation parses the leading integer of a revID of the form
// "<generation>-<suffix>".
func Generation(revID string) int {
	dash := strings.IndexByte(revID, '-')
	if dash <= 0 {
		return 0
	}
	gen, err := strconv.Atoi(revID[:dash])
	if err != nil {
		return 0
	}
	return gen
}

// List is an ordered multiset of revisions.
type List []Ref

// GroupByDocID returns the revisions grouped by DocID, preserving the
// relative order of first appearance.
func (l List) GroupByDocID() map[string]List {
	out := make(map[string]List, len(l))
	for _, ref := range l {
		out[ref.DocID] = append(out[ref.DocID], ref)
	}
	return out
}

// SortBySequence sorts the list in place by ascending Sequence.
func (l List) SortBySequence() {
	sort.SliceStable(l, func(i, j int) bool {
		return l[i].Sequence < l[j].Sequence
	})
}

// MaxSequence returns the highest Sequence in the list, or 0 if empty.
func (l List) MaxSequence() uint64 {
	var max uint64
	for _, ref := range l {
		if ref.Sequence > max {
			max = ref.Sequence
		}
	}
	return max
}

// RevIDs returns the RevID of every element, in order.
func (l List) RevIDs() []string {
	out := make([]string, len(l))
	for i, ref := range l {
		out[i] = ref.RevID
	}
	return out
}
