package remote

import (
	"crypto/sha1" //nolint:gosec // CheckpointID identity hash, not a security boundary (spec §3)
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// History is one completed replication session's stats, carried over from
// the teacher's client.History (client/client.go) — a supplemental field
// on Checkpoint, not part of spec §3's minimal {lastSequence} contract
// (see SPEC_FULL.md §5).
type History struct {
	DocWriteFailures int    `json:"doc_write_failures"`
	DocsRead         int    `json:"docs_read"`
	DocsWritten      int    `json:"docs_written"`
	EndLastSeq       string `json:"end_last_seq"`
	EndTime          string `json:"end_time"`
	MissingChecked   int    `json:"missing_checked"`
	MissingFound     int    `json:"missing_found"`
	RecordedSeq      string `json:"recorded_seq"`
	SessionID        string `json:"session_id"`
	StartLastSeq     string `json:"start_last_seq"`
	StartTime        string `json:"start_time"`
}

// Checkpoint is the opaque remote checkpoint document (spec §3
// "RemoteCheckpoint"), stored at _local/<checkpointID> on the remote and
// mirrored locally under the same key.
type Checkpoint struct {
	ID                   string    `json:"_id,omitempty"`
	Rev                  string    `json:"_rev,omitempty"`
	LastSequence         string    `json:"lastSequence"`
	ReplicationIDVersion int       `json:"replication_id_version,omitempty"`
	SessionID            string    `json:"session_id,omitempty"`
	History              []History `json:"history,omitempty"`
}

// Clone returns a deep-enough copy for safe concurrent read while a save
// is in flight.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.History = append([]History(nil), c.History...)
	return out
}

// CheckpointIDInput is the canonicalized input to CheckpointID (spec §3).
type CheckpointIDInput struct {
	LocalUUID    string `json:"localUUID"`
	RemoteURL    string `json:"remoteURL"`
	Push         bool   `json:"push"`
	Filter       string `json:"filter,omitempty"`
	FilterParams map[string]interface{} `json:"filterParams,omitempty"`
}

// CheckpointID computes SHA1(canonicalJSON(input)) per spec §3: identical
// replicator settings across restarts must yield the identical
// checkpointID, which requires canonical (sorted-key, whitespace-free)
// JSON encoding.
func CheckpointID(input CheckpointIDInput) (string, error) {
	canon, err := canonicalJSON(input)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(canon) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON encodes v with sorted object keys and no extraneous
// whitespace. encoding/json already sorts map keys and struct fields are
// marshalled in declaration order with no whitespace by default, so this
// re-marshals through a generic map to guarantee sorted keys regardless of
// struct field order changes.
func canonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// TimeRFC5322 formats t as CouchDB's replication log history timestamps
// do (spec "StartTime"/"EndTime" fields), matching the teacher's use of
// RFC5322-shaped strings in client.History.
func TimeRFC5322(t time.Time) string {
	return t.Format(time.RFC1123)
}
