package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	v1 "github.com/f9-o/fleet/api/v1"
	"github.com/f9-o/fleet/internal/core/logger"
)

func writeKey(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

// silentPort accepts TCP connections and never answers the SSH handshake.
func silentPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestConnectDoesNotBlockOtherHosts(t *testing.T) {
	pool := NewPool(PoolOptions{User: "deploy", Key: writeKey(t)}, logger.Discard())
	t.Cleanup(pool.Close)

	stalled := v1.HostSpec{Name: "stalled", Address: "127.0.0.1", Port: silentPort(t)}
	refused := v1.HostSpec{Name: "refused", Address: "127.0.0.1", Port: closedPort(t)}

	stalledDone := make(chan error, 1)
	go func() {
		_, err := pool.Connect(context.Background(), stalled)
		stalledDone <- err
	}()
	// Give the stalled dial time to take its place in the pool.
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	_, err := pool.Connect(ctx, refused)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case err := <-stalledDone:
		t.Fatalf("stalled host connected early: %v", err)
	default:
	}
}

func TestConnectHonoursContext(t *testing.T) {
	pool := NewPool(PoolOptions{User: "deploy", Key: writeKey(t)}, logger.Discard())
	t.Cleanup(pool.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := pool.Connect(ctx, v1.HostSpec{Name: "stalled", Address: "127.0.0.1", Port: silentPort(t)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
