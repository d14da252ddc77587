package remote_test

import (
	"testing"

	"github.com/goydb/syncd/remote"
	"github.com/stretchr/testify/assert"
)

func TestPoolRegisterDeregister(t *testing.T) {
	p := remote.NewPool()
	req := &remote.Request{Method: "GET", Path: "/x"}

	deregister := p.Register(req)
	assert.Equal(t, 1, p.Count())

	deregister()
	assert.Equal(t, 0, p.Count())

	// deregistering twice is safe (sync.Once-guarded).
	deregister()
	assert.Equal(t, 0, p.Count())
}

func TestPoolStopAllClearsTheSet(t *testing.T) {
	p := remote.NewPool()
	p.Register(&remote.Request{Method: "GET"})
	p.Register(&remote.Request{Method: "POST"})
	assert.Equal(t, 2, p.Count())

	p.StopAll()
	assert.Equal(t, 0, p.Count())
}
