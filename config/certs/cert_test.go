package certs

import (
	"crypto/tls"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.False(t, Config{}.Enabled())
	assert.Error(t, Config{CAFile: "ca.crt"}.Validate())
	assert.Error(t, Config{CertFile: "server.crt"}.Validate())
	assert.NoError(t, Config{CertFile: "server.crt", KeyFile: "server.key"}.Validate())
}

func TestGeneratedCertsCompleteMutualTLS(t *testing.T) {
	serverCfg, clientCfg, err := Generate(t.TempDir())
	require.NoError(t, err)

	serverTLS, err := LoadServerTLSConfig(serverCfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, serverTLS.ClientAuth)
	clientTLS, err := LoadClientTLSConfig(clientCfg, "localhost")
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
		_, _ = io.Copy(conn, conn)
	}()

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientTLS)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestServerRejectsClientWithoutCertificate(t *testing.T) {
	serverCfg, clientCfg, err := Generate(t.TempDir())
	require.NoError(t, err)
	serverTLS, err := LoadServerTLSConfig(serverCfg, nil)
	require.NoError(t, err)
	clientTLS, err := LoadClientTLSConfig(Config{CAFile: clientCfg.CAFile}, "localhost")
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
		_ = conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", listener.Addr().String(), clientTLS)
	if err == nil {
		// TLS 1.3 reports the rejection on the first read.
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}
	assert.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadServerTLSConfig(Config{CertFile: "missing.crt", KeyFile: "missing.key"}, nil)
	assert.ErrorContains(t, err, "could not load server key pair")
	_, err = LoadClientTLSConfig(Config{CAFile: "missing.crt"}, "localhost")
	assert.ErrorContains(t, err, "could not read CA certificate")
}
