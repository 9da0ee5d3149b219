package main

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/ehashdb/pkg/connection"
)

func TestBuildRequest(t *testing.T) {
	tests := []struct {
		args    string
		want    string
		wantErr error
	}{
		{args: "put k some value", want: "PUT k some value"},
		{args: "GET k", want: "GET k"},
		{args: "delete k", want: "DELETE k"},
		{args: "stats", want: "STATS"},
		{args: "Flush", want: "FLUSH"},
		{args: "verify", want: "VERIFY"},
		{args: "backup /srv/b.db", want: "BACKUP /srv/b.db"},
		{args: "exit", wantErr: errQuit},
		{args: "quit", wantErr: errQuit},
	}
	for _, tt := range tests {
		t.Run(tt.args, func(t *testing.T) {
			got, err := buildRequest(strings.Fields(tt.args))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "put k", "get", "get a b", "size", "backup"} {
		_, err := buildRequest(strings.Fields(bad))
		assert.Error(t, err, bad)
	}
}

func TestProcessCommandAgainstServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	received := make(chan string, 1)
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
		received <- line
		_, _ = conn.Write([]byte("OK Key deleted.\n"))
	}()

	pool := connection.NewPool(listener.Addr().String(), 1, time.Second)
	defer pool.Close()
	require.NoError(t, processCommand(pool, []string{"delete", "k"}))
	assert.Equal(t, "DELETE k\n", <-received)

	assert.ErrorIs(t, processCommand(pool, []string{"quit"}), errQuit)
	require.NoError(t, processCommand(pool, []string{"help"}), "help is answered locally")
}
