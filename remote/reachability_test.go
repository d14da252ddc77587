package remote_test

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/goydb/syncd/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLocalURL(t *testing.T) {
	httpURL, _ := url.Parse("http://example.com/db")
	assert.False(t, remote.IsLocalURL(httpURL))

	httpsURL, _ := url.Parse("https://example.com/db")
	assert.False(t, remote.IsLocalURL(httpsURL))

	embeddedURL, _ := url.Parse("syncd-embedded://local")
	assert.True(t, remote.IsLocalURL(embeddedURL))
}

func TestWatcherDetectsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	w := remote.NewWatcher(ln.Addr().String(), 20*time.Millisecond)
	ch := w.Start(context.Background())
	defer w.Stop()

	select {
	case state := <-ch:
		assert.Equal(t, remote.Reachable, state)
	case <-time.After(time.Second):
		t.Fatal("did not observe reachable state")
	}
}

func TestWatcherDetectsUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	w := remote.NewWatcher(addr, 20*time.Millisecond)
	ch := w.Start(context.Background())
	defer w.Stop()

	select {
	case state := <-ch:
		assert.Equal(t, remote.Unreachable, state)
	case <-time.After(time.Second):
		t.Fatal("did not observe unreachable state")
	}
}

func TestWatcherStartTwiceIsNoOp(t *testing.T) {
	w := remote.NewWatcher("127.0.0.1:1", time.Hour)
	ch1 := w.Start(context.Background())
	ch2 := w.Start(context.Background())
	assert.Equal(t, ch1, ch2)
	w.Stop()
}
