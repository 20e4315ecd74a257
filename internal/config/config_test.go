package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
adapters:
  - name: fast-cheap
    endpoint: http://localhost:9001/complete
    cost_per_1k_input_usd: 0.001
    cost_per_1k_output_usd: 0.002
    typical_latency_ms: 400
    quality_rating: 0.7
    affinity:
      code: 0.8
  - name: slow-quality
    endpoint: http://localhost:9002/complete
    cost_per_1k_input_usd: 0.02
    cost_per_1k_output_usd: 0.04
    typical_latency_ms: 2000
    quality_rating: 0.95

router:
  w_task: 0.3
  w_perf: 0.2
  w_cost: 0.2
  w_avail: 0.2
  w_quality: 0.1

pool:
  min_instances: 3
  max_instances: 8
  worker_command: /usr/bin/mcp-rag-worker
  worker_args: ["--mode", "rag"]
`

func TestLoad_ParsesAdaptersAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Adapters, 2)
	assert.Equal(t, "fast-cheap", cfg.Adapters[0].Name)
	assert.Equal(t, 0.8, cfg.Adapters[0].Affinity.Code)

	assert.Equal(t, 3, cfg.Pool.MinInstances)
	assert.Equal(t, 8, cfg.Pool.MaxInstances)
	assert.Equal(t, "/usr/bin/mcp-rag-worker", cfg.Pool.WorkerCommand)

	// Router weights were explicitly set and must not be clobbered by
	// applyDefaults.
	assert.InDelta(t, 0.3, cfg.Router.WeightTask, 1e-9)
}

func TestLoad_AppliesDefaultsWhenOmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapters: []\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30000, cfg.Breaker.RecoveryTimeMs)
	assert.Equal(t, 2, cfg.Pool.MinInstances)
	assert.Equal(t, 6, cfg.Pool.MaxInstances)
	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.InDelta(t, 0.25, cfg.Router.WeightTask, 1e-9)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestPoolConfig_ConvertsDurationsFromSeconds(t *testing.T) {
	spec := PoolSpec{
		MinInstances:           2,
		MaxInstances:           4,
		MaxConcurrentPerWorker: 3,
		RequestTimeoutSeconds:  90,
		ScaleCooldownSeconds:   30,
	}
	pc := spec.PoolConfig()
	assert.Equal(t, int64(90e9), pc.RequestTimeout.Nanoseconds())
	assert.Equal(t, int64(30e9), pc.ScaleCooldown.Nanoseconds())
}
