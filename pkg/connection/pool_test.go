package connection

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/ehashdb/config/certs"
)

// --- Test Helpers ---

// startEchoServer replies "OK <line>" to every line and counts accepted connections.
func startEchoServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					if _, err := conn.Write([]byte("OK " + line)); err != nil {
						return
					}
				}
			}()
		}
	}()
	return listener.Addr().String(), &accepted
}

// --- Tests ---

func TestPoolReusesConnections(t *testing.T) {
	addr, accepted := startEchoServer(t)
	pool := NewPool(addr, 2, time.Second)
	defer pool.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		reply, err := pool.Do(ctx, "GET k")
		require.NoError(t, err)
		assert.Equal(t, "OK GET k", reply)
	}
	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, addr, pool.Address())
}

func TestPoolWaitsWhenFull(t *testing.T) {
	addr, _ := startEchoServer(t)
	pool := NewPool(addr, 1, time.Second)
	defer pool.Close()

	held, err := pool.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held.Close())
	assert.Error(t, held.Close(), "double close")
	again, err := pool.Get(context.Background())
	require.NoError(t, err)
	require.NoError(t, again.ForceClose())
	assert.Equal(t, 0, pool.Size())
}

func TestPoolDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	pool := NewPool(addr, 1, 100*time.Millisecond)
	_, err = pool.Do(context.Background(), "STATS")
	assert.ErrorContains(t, err, "failed to connect")
	assert.Equal(t, 0, pool.Size(), "failed dials free their slot")
}

func TestPoolClose(t *testing.T) {
	addr, _ := startEchoServer(t)
	pool := NewPool(addr, 2, time.Second)

	inUse, err := pool.Get(context.Background())
	require.NoError(t, err)
	_, err = pool.Do(context.Background(), "FLUSH")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	pool.Close()
	assert.Equal(t, 1, pool.Size(), "idle connection closed")
	_, err = pool.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	require.NoError(t, inUse.Close())
	assert.Equal(t, 0, pool.Size())
}

func TestParseReply(t *testing.T) {
	status, message := ParseReply("NOT_FOUND Key k not found.")
	assert.Equal(t, "NOT_FOUND", status)
	assert.Equal(t, "Key k not found.", message)

	status, message = ParseReply("OK")
	assert.Equal(t, "OK", status)
	assert.Empty(t, message)
	assert.False(t, strings.Contains(status, " "))
}

func TestPoolWithTLS(t *testing.T) {
	serverCfg, clientCfg, err := certs.Generate(t.TempDir())
	require.NoError(t, err)
	serverTLS, err := certs.LoadServerTLSConfig(serverCfg, nil)
	require.NoError(t, err)
	clientTLS, err := certs.LoadClientTLSConfig(clientCfg, "localhost")
	require.NoError(t, err)

	listener, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("OK " + line))
	}()

	pool := NewPool(listener.Addr().String(), 1, time.Second, WithTLS(clientTLS))
	defer pool.Close()
	reply, err := pool.Do(context.Background(), "VERIFY")
	require.NoError(t, err)
	assert.Equal(t, "OK VERIFY", reply)
}
