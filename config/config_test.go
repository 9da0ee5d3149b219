package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/ehashdb/core/indexing/exthash"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	"go.uber.org/multierr"
)

// --- Test Helpers ---

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ehashdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// --- Tests ---

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  data_file: /tmp/x.db
  pool_size: 128
  replacer_policy: lru
index:
  key_size: 16
  value_size: 32
  directory_max_depth: 4
  bucket_max_size: 10
server:
  listen_addr: 0.0.0.0:7000
  tls:
    cert_file: server.crt
    key_file: server.key
logger:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.db", cfg.Storage.DataFile)
	assert.Equal(t, 128, cfg.Storage.PoolSize)
	assert.Equal(t, memtable.ReplacerPolicyLRU, cfg.Storage.ReplacerPolicy)
	assert.Equal(t, memtable.DefaultReplacerK, cfg.Storage.ReplacerK, "unset fields keep defaults")
	assert.Equal(t, 16, cfg.Index.KeySize)
	assert.Equal(t, uint32(4), cfg.Index.DirectoryMaxDepth)
	assert.Equal(t, uint32(10), cfg.Index.BucketMaxSize)
	assert.Equal(t, uint32(exthash.DefaultHeaderMaxDepth), cfg.Index.HeaderMaxDepth)
	assert.Equal(t, "0.0.0.0:7000", cfg.Server.ListenAddr)
	assert.True(t, cfg.Server.TLS.Enabled())
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
}

func TestLoadSampleFile(t *testing.T) {
	cfg, err := Load("ehashdb.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "default", cfg.Index.Name)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "storage: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Storage.PoolSize = 1
	cfg.Storage.ReplacerPolicy = "clock"
	cfg.Index.KeySize = 0
	cfg.Index.DirectoryMaxDepth = exthash.DirectoryMaxDepthLimit + 1
	cfg.Server.ListenAddr = ""
	cfg.Server.TLS.KeyFile = "server.key"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 6)
	assert.ErrorContains(t, err, "server.tls.cert_file")
	assert.ErrorContains(t, err, "clock")
}

func TestValidateBucketCapacity(t *testing.T) {
	cfg := Default()
	cfg.Index.KeySize = 3000
	cfg.Index.ValueSize = 2000
	assert.ErrorContains(t, cfg.Validate(), "do not fit in a page")

	cfg = Default()
	cfg.Index.BucketMaxSize = 1000
	assert.ErrorContains(t, cfg.Validate(), "exceeds page capacity")
}
