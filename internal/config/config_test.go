package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/devrev/orset/internal/errors"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Backend.Type)
	assert.Equal(t, 5*time.Second, cfg.Backend.OperationTimeout)
	assert.Equal(t, time.Duration(0), cfg.Backend.ElementTTL)
	assert.Equal(t, "modulo", cfg.Node.Router)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.FetchWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.RetryInterval)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Gossip.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("ORSET_SERVER_PORT", "9000")
	t.Setenv("ORSET_SYNC_INTERVAL", "1m")
	t.Setenv("ORSET_NODE_ROUTER", "consistent")
	t.Setenv("ORSET_SERVER_REQUEST_TIMEOUT", "5s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "consistent", cfg.Node.Router)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  bootstrap_address: 10.0.0.1:6379
  topology_file: topology.yaml
backend:
  type: memory
  element_ttl: 90s
sync:
  remote_clusters: [B, C]
  apply_workers: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:6379", cfg.Node.BootstrapAddress)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
	assert.Equal(t, 90*time.Second, cfg.Backend.ElementTTL)
	assert.Equal(t, []string{"B", "C"}, cfg.Sync.RemoteClusters)
	assert.Equal(t, 2, cfg.Sync.ApplyWorkers)
	assert.Equal(t, 4, cfg.Sync.FetchWorkers)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.RetryInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	cfg, err := Load("")
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "etcd" }},
		{"zero timeout", func(c *Config) { c.Backend.OperationTimeout = 0 }},
		{"unknown router", func(c *Config) { c.Node.Router = "random" }},
		{"seed without file", func(c *Config) { c.Node.SeedTopology = true }},
		{"memory without topology", func(c *Config) { c.Backend.Type = BackendMemory }},
		{"postgres without dsn", func(c *Config) { c.Backend.Type = BackendPostgres; c.Postgres.DSN = "" }},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero workers", func(c *Config) { c.Sync.FetchWorkers = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"negative request timeout", func(c *Config) { c.Server.RequestTimeout = -time.Second }},
		{"bad rate", func(c *Config) { c.RateLimiter.Enabled = true; c.RateLimiter.RequestsPerSecond = 0 }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 0 }},
		{"bad gossip port", func(c *Config) { c.Gossip.Enabled = true; c.Gossip.BindPort = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTopology_YAML(t *testing.T) {
	path := writeFile(t, "topology.yaml", `
clusters:
  - id: A
    stores:
      - {id: x, host: 127.0.0.1, port: 6379}
      - {id: y, host: 127.0.0.1, port: 6380}
  - id: B
    stores:
      - {id: x, host: 127.0.0.1, port: 6381}
`)
	topo, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, topo.ClusterIDs())
	assert.Equal(t, 3, topo.Len())

	rc, rs, ok := topo.Locate("127.0.0.1:6380")
	require.True(t, ok)
	assert.Equal(t, "A", rc)
	assert.Equal(t, "y", rs)
}

func TestLoadTopology_TOML(t *testing.T) {
	path := writeFile(t, "topology.toml", `
[[clusters]]
id = "A"

  [[clusters.stores]]
  id = "x"
  host = "10.0.0.1"
  port = 6379

[[clusters]]
id = "B"

  [[clusters.stores]]
  id = "x"
  host = "10.0.0.2"
  port = 6379
`)
	topo, err := LoadTopology(path)
	require.NoError(t, err)
	e, ok := topo.Get("B", "x")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:6379", e.Address())
}

func TestLoadTopology_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"delimiter in cluster id", "t.yaml", "clusters:\n  - id: 'A:1'\n    stores:\n      - {id: x, host: h, port: 1}\n"},
		{"delimiter in store id", "t.yaml", "clusters:\n  - id: A\n    stores:\n      - {id: 'x:1', host: h, port: 1}\n"},
		{"duplicate store", "t.yaml", "clusters:\n  - id: A\n    stores:\n      - {id: x, host: h, port: 1}\n      - {id: x, host: h, port: 2}\n"},
		{"duplicate cluster", "t.yaml", "clusters:\n  - id: A\n    stores:\n      - {id: x, host: h, port: 1}\n  - id: A\n    stores:\n      - {id: y, host: h, port: 2}\n"},
		{"empty cluster", "t.yaml", "clusters:\n  - id: A\n    stores: []\n"},
		{"bad port", "t.yaml", "clusters:\n  - id: A\n    stores:\n      - {id: x, host: h, port: 0}\n"},
		{"empty", "t.yaml", "clusters: []\n"},
		{"unknown extension", "t.json", "{}"},
		{"malformed", "t.toml", "[[clusters]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTopology(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeInvalidTopology, apperrors.GetCode(err))
		})
	}
}
