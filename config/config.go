// Package config loads the ehashdb server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/sushant-115/ehashdb/config/certs"
	"github.com/sushant-115/ehashdb/core/indexing/exthash"
	"github.com/sushant-115/ehashdb/core/write_engine/memtable"
	"github.com/sushant-115/ehashdb/pkg/logger"
	"github.com/sushant-115/ehashdb/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// StorageConfig controls the data file, buffer pool and disk scheduler.
type StorageConfig struct {
	DataFile       string `yaml:"data_file"`
	PoolSize       int    `yaml:"pool_size"`
	ReplacerPolicy string `yaml:"replacer_policy"`
	ReplacerK      int    `yaml:"replacer_k"`
	QueueDepth     int    `yaml:"queue_depth"`
	MaxIOPS        int    `yaml:"max_iops"`
	// BackupBytesPerSec caps the BACKUP copy rate. Zero is unlimited.
	BackupBytesPerSec int64 `yaml:"backup_bytes_per_sec"`
}

// IndexConfig sizes the hash index. KeySize and ValueSize are byte widths.
type IndexConfig struct {
	Name            string `yaml:"name"`
	KeySize         int    `yaml:"key_size"`
	ValueSize       int    `yaml:"value_size"`
	exthash.Options `yaml:",inline"`
}

type ServerConfig struct {
	ListenAddr string       `yaml:"listen_addr"`
	TLS        certs.Config `yaml:"tls"`
}

// Config is the top-level ehashdb configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Index     IndexConfig      `yaml:"index"`
	Server    ServerConfig     `yaml:"server"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration that runs a local server with telemetry off.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DataFile:       "data/ehashdb.db",
			PoolSize:       64,
			ReplacerPolicy: memtable.ReplacerPolicyLRUK,
			ReplacerK:      memtable.DefaultReplacerK,
			QueueDepth:     64,
		},
		Index: IndexConfig{
			Name:      "default",
			KeySize:   64,
			ValueSize: 256,
			Options: exthash.Options{
				HeaderMaxDepth:    exthash.DefaultHeaderMaxDepth,
				DirectoryMaxDepth: exthash.DefaultDirectoryMaxDepth,
			},
		},
		Server: ServerConfig{ListenAddr: "localhost:9090"},
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			Enabled:          false,
			ServiceName:      "ehashdb",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var errs error
	if c.Storage.DataFile == "" {
		errs = multierr.Append(errs, errors.New("storage.data_file must be set"))
	}
	if c.Storage.PoolSize < 3 {
		errs = multierr.Append(errs, fmt.Errorf("storage.pool_size must be at least 3, got %d", c.Storage.PoolSize))
	}
	switch c.Storage.ReplacerPolicy {
	case memtable.ReplacerPolicyLRUK:
		if c.Storage.ReplacerK < 1 {
			errs = multierr.Append(errs, fmt.Errorf("storage.replacer_k must be positive, got %d", c.Storage.ReplacerK))
		}
	case memtable.ReplacerPolicyLRU:
	default:
		errs = multierr.Append(errs, fmt.Errorf("storage.replacer_policy %q is not one of %q, %q",
			c.Storage.ReplacerPolicy, memtable.ReplacerPolicyLRUK, memtable.ReplacerPolicyLRU))
	}
	if c.Storage.QueueDepth < 0 || c.Storage.MaxIOPS < 0 || c.Storage.BackupBytesPerSec < 0 {
		errs = multierr.Append(errs, errors.New("storage.queue_depth, storage.max_iops and storage.backup_bytes_per_sec cannot be negative"))
	}

	if c.Index.Name == "" {
		errs = multierr.Append(errs, errors.New("index.name must be set"))
	}
	if c.Index.KeySize <= 0 || c.Index.ValueSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("index.key_size must be positive and index.value_size non-negative, got %d and %d",
			c.Index.KeySize, c.Index.ValueSize))
	} else if capacity := exthash.BucketArraySize(c.Index.KeySize, c.Index.ValueSize+2); capacity == 0 {
		errs = multierr.Append(errs, fmt.Errorf("index entries of %d bytes do not fit in a page", c.Index.KeySize+c.Index.ValueSize+2))
	} else if c.Index.BucketMaxSize > capacity {
		errs = multierr.Append(errs, fmt.Errorf("index.bucket_max_size %d exceeds page capacity %d", c.Index.BucketMaxSize, capacity))
	}
	if c.Index.HeaderMaxDepth > exthash.HeaderMaxDepthLimit {
		errs = multierr.Append(errs, fmt.Errorf("index.header_max_depth cannot exceed %d", exthash.HeaderMaxDepthLimit))
	}
	if c.Index.DirectoryMaxDepth > exthash.DirectoryMaxDepthLimit {
		errs = multierr.Append(errs, fmt.Errorf("index.directory_max_depth cannot exceed %d", exthash.DirectoryMaxDepthLimit))
	}

	if c.Server.ListenAddr == "" {
		errs = multierr.Append(errs, errors.New("server.listen_addr must be set"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server.%w", err))
	}
	if c.Telemetry.PrometheusPort < 0 {
		errs = multierr.Append(errs, fmt.Errorf("telemetry.prometheus_port cannot be negative, got %d", c.Telemetry.PrometheusPort))
	}
	return errs
}
