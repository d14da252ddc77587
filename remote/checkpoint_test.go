package remote_test

import (
	"testing"

	"github.com/goydb/syncd/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointIDIsStable(t *testing.T) {
	input := remote.CheckpointIDInput{
		LocalUUID: "local-1",
		RemoteURL: "http://example.com/db",
		Push:      true,
		Filter:    "myfilter",
		FilterParams: map[string]interface{}{
			"b": 2,
			"a": 1,
		},
	}

	id1, err := remote.CheckpointID(input)
	require.NoError(t, err)

	// field-order shuffled input must hash identically (canonical JSON).
	input2 := remote.CheckpointIDInput{
		LocalUUID: "local-1",
		RemoteURL: "http://example.com/db",
		Push:      true,
		Filter:    "myfilter",
		FilterParams: map[string]interface{}{
			"a": 1,
			"b": 2,
		},
	}
	id2, err := remote.CheckpointID(input2)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 40) // hex-encoded SHA1
}

func TestCheckpointIDDiffersByPushDirection(t *testing.T) {
	base := remote.CheckpointIDInput{LocalUUID: "u", RemoteURL: "http://x/db"}
	push := base
	push.Push = true

	idPull, err := remote.CheckpointID(base)
	require.NoError(t, err)
	idPush, err := remote.CheckpointID(push)
	require.NoError(t, err)

	assert.NotEqual(t, idPull, idPush)
}

func TestCheckpointIDDiffersByFilterParams(t *testing.T) {
	base := remote.CheckpointIDInput{LocalUUID: "u", RemoteURL: "http://x/db", Filter: "f"}
	withParams := base
	withParams.FilterParams = map[string]interface{}{"limit": 10}

	id1, err := remote.CheckpointID(base)
	require.NoError(t, err)
	id2, err := remote.CheckpointID(withParams)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestCheckpointCloneIsIndependent(t *testing.T) {
	c := remote.Checkpoint{LastSequence: "1", History: []remote.History{{SessionID: "a"}}}
	clone := c.Clone()
	clone.History[0].SessionID = "b"

	assert.Equal(t, "a", c.History[0].SessionID)
	assert.Equal(t, "b", clone.History[0].SessionID)
}
