// Package config loads the process configuration once at startup from a
// YAML file, per spec §6 ("Configuration is read once at start"). There is
// no hot-reload: a deliberate simplification from the teacher's
// multi-source, watchable config manager (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaymux/relaymux/internal/breaker"
	"github.com/relaymux/relaymux/internal/cache"
	"github.com/relaymux/relaymux/internal/health"
	"github.com/relaymux/relaymux/internal/pool"
	"github.com/relaymux/relaymux/internal/router"
	"github.com/relaymux/relaymux/internal/worker"
)

// AdapterSpec describes one configured backend adapter.
type AdapterSpec struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`

	SupportsStreaming bool `yaml:"supports_streaming"`
	SupportsToolCalls bool `yaml:"supports_tool_calls"`

	CostPer1kInputUSD  float64       `yaml:"cost_per_1k_input_usd"`
	CostPer1kOutputUSD float64       `yaml:"cost_per_1k_output_usd"`
	TypicalLatencyMs   int           `yaml:"typical_latency_ms"`
	ConcurrencyCap     int           `yaml:"concurrency_cap"`
	QualityRating      float64       `yaml:"quality_rating"`
	TimeoutMs          int           `yaml:"timeout_ms"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`

	Affinity AffinitySpec `yaml:"affinity"`
}

// AffinitySpec mirrors adapter.TaskAffinity for YAML decoding.
type AffinitySpec struct {
	Math          float64 `yaml:"math"`
	Code          float64 `yaml:"code"`
	Reasoning     float64 `yaml:"reasoning"`
	LanguageEn    float64 `yaml:"language_en"`
	LanguageOther float64 `yaml:"language_other"`
	Short         float64 `yaml:"short"`
	Long          float64 `yaml:"long"`
}

// BreakerSpec mirrors breaker.Config.
type BreakerSpec struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	RecoveryTimeMs     int `yaml:"recovery_time_ms"`
	HalfOpenMaxProbes  int `yaml:"half_open_max_probes"`
	MonitoringPeriodMs int `yaml:"monitoring_period_ms"`
}

// HealthSpec mirrors health.Config.
type HealthSpec struct {
	IntervalSeconds  int     `yaml:"health_check_interval_seconds"`
	ProbeTimeoutSeconds int  `yaml:"probe_timeout_seconds"`
	EWMAAlpha        float64 `yaml:"ewma_alpha"`
}

// RouterSpec mirrors router.Config.
type RouterSpec struct {
	WeightTask    float64 `yaml:"w_task"`
	WeightPerf    float64 `yaml:"w_perf"`
	WeightCost    float64 `yaml:"w_cost"`
	WeightAvail   float64 `yaml:"w_avail"`
	WeightQuality float64 `yaml:"w_quality"`

	ReferenceLatencyMs int `yaml:"reference_latency_ms"`
	AvailWindow        int `yaml:"avail_window"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	DefaultMaxRetries  int `yaml:"default_max_retries"`
}

// CacheSpec mirrors cache.Config.
type CacheSpec struct {
	TTLSeconds    int `yaml:"ttl_seconds"`
	MaxEntries    int `yaml:"max_entries"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// PoolSpec mirrors pool.Config plus the worker command line.
type PoolSpec struct {
	MinInstances           int     `yaml:"min_instances"`
	MaxInstances           int     `yaml:"max_instances"`
	MaxConcurrentPerWorker int     `yaml:"max_concurrent_per_worker"`
	RequestTimeoutSeconds  int     `yaml:"request_timeout_seconds"`
	ScaleUpThreshold       float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold     float64 `yaml:"scale_down_threshold"`
	ScaleCooldownSeconds   int     `yaml:"scale_cooldown_seconds"`
	ScaleTickSeconds       int     `yaml:"scale_tick_seconds"`
	QueueLimit             int     `yaml:"queue_limit"`
	OrphanGraceSeconds     int     `yaml:"orphan_grace_seconds"`
	ShutdownGraceSeconds   int     `yaml:"shutdown_grace_seconds"`

	WorkerCommand       string      `yaml:"worker_command"`
	WorkerArgs          []string    `yaml:"worker_args"`
	ReadySentinel       string      `yaml:"ready_sentinel"`
	StartupTimeoutSeconds int       `yaml:"startup_timeout_seconds"`
	Breaker             BreakerSpec `yaml:"breaker"`
}

// HTTPSpec configures the HTTP boundary.
type HTTPSpec struct {
	ListenAddr   string `yaml:"listen_addr"`
	JWTSecret    string `yaml:"jwt_secret"`
	RequireAuth  bool   `yaml:"require_auth"`
}

// Config is the single top-level configuration document read once at
// process start.
type Config struct {
	Adapters []AdapterSpec `yaml:"adapters"`
	Breaker  BreakerSpec   `yaml:"breaker"`
	Health   HealthSpec    `yaml:"health"`
	Router   RouterSpec    `yaml:"router"`
	Cache    CacheSpec     `yaml:"cache"`
	Pool     PoolSpec      `yaml:"pool"`
	HTTP     HTTPSpec      `yaml:"http"`
}

// Load reads and parses the YAML file at path, applying defaults to any
// zero-valued tunable.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	def := breaker.DefaultConfig()
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = def.FailureThreshold
	}
	if c.Breaker.RecoveryTimeMs == 0 {
		c.Breaker.RecoveryTimeMs = int(def.RecoveryTime.Milliseconds())
	}
	if c.Breaker.HalfOpenMaxProbes == 0 {
		c.Breaker.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if c.Breaker.MonitoringPeriodMs == 0 {
		c.Breaker.MonitoringPeriodMs = int(def.MonitoringPeriod.Milliseconds())
	}

	if c.Health.IntervalSeconds == 0 {
		c.Health.IntervalSeconds = 30
	}
	if c.Health.ProbeTimeoutSeconds == 0 {
		c.Health.ProbeTimeoutSeconds = 8
	}
	if c.Health.EWMAAlpha == 0 {
		c.Health.EWMAAlpha = 0.3
	}

	rdef := router.DefaultConfig()
	if c.Router.WeightTask == 0 && c.Router.WeightPerf == 0 && c.Router.WeightCost == 0 &&
		c.Router.WeightAvail == 0 && c.Router.WeightQuality == 0 {
		c.Router.WeightTask = rdef.Weights.Task
		c.Router.WeightPerf = rdef.Weights.Perf
		c.Router.WeightCost = rdef.Weights.Cost
		c.Router.WeightAvail = rdef.Weights.Avail
		c.Router.WeightQuality = rdef.Weights.Quality
	}
	if c.Router.ReferenceLatencyMs == 0 {
		c.Router.ReferenceLatencyMs = int(rdef.ReferenceLatency.Milliseconds())
	}
	if c.Router.AvailWindow == 0 {
		c.Router.AvailWindow = rdef.AvailWindow
	}
	if c.Router.BackoffBaseMs == 0 {
		c.Router.BackoffBaseMs = int(rdef.BackoffBase.Milliseconds())
	}
	if c.Router.DefaultMaxRetries == 0 {
		c.Router.DefaultMaxRetries = rdef.DefaultMaxRetries
	}

	cdef := cache.DefaultConfig()
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = int(cdef.TTL.Seconds())
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = cdef.MaxEntries
	}
	if c.Cache.SweepIntervalSeconds == 0 {
		c.Cache.SweepIntervalSeconds = int(cdef.SweepInterval.Seconds())
	}

	pdef := pool.DefaultConfig()
	if c.Pool.MinInstances == 0 {
		c.Pool.MinInstances = pdef.MinInstances
	}
	if c.Pool.MaxInstances == 0 {
		c.Pool.MaxInstances = pdef.MaxInstances
	}
	if c.Pool.MaxConcurrentPerWorker == 0 {
		c.Pool.MaxConcurrentPerWorker = pdef.MaxConcurrentPerWorker
	}
	if c.Pool.RequestTimeoutSeconds == 0 {
		c.Pool.RequestTimeoutSeconds = int(pdef.RequestTimeout.Seconds())
	}
	if c.Pool.ScaleUpThreshold == 0 {
		c.Pool.ScaleUpThreshold = pdef.ScaleUpThreshold
	}
	if c.Pool.ScaleDownThreshold == 0 {
		c.Pool.ScaleDownThreshold = pdef.ScaleDownThreshold
	}
	if c.Pool.ScaleCooldownSeconds == 0 {
		c.Pool.ScaleCooldownSeconds = int(pdef.ScaleCooldown.Seconds())
	}
	if c.Pool.ScaleTickSeconds == 0 {
		c.Pool.ScaleTickSeconds = int(pdef.ScaleTick.Seconds())
	}
	if c.Pool.QueueLimit == 0 {
		c.Pool.QueueLimit = pdef.QueueLimit
	}
	if c.Pool.OrphanGraceSeconds == 0 {
		c.Pool.OrphanGraceSeconds = int(pdef.OrphanGrace.Seconds())
	}
	if c.Pool.ShutdownGraceSeconds == 0 {
		c.Pool.ShutdownGraceSeconds = int(pdef.ShutdownGrace.Seconds())
	}
	if c.Pool.ReadySentinel == "" {
		c.Pool.ReadySentinel = worker.DefaultConfig().ReadySentinel
	}
	if c.Pool.StartupTimeoutSeconds == 0 {
		c.Pool.StartupTimeoutSeconds = int(worker.DefaultConfig().StartupTimeout.Seconds())
	}
	if c.Pool.Breaker.FailureThreshold == 0 {
		c.Pool.Breaker = c.Breaker
	}

	if c.HTTP.ListenAddr == "" {
		c.HTTP.ListenAddr = ":8080"
	}
}

// BreakerConfig converts BreakerSpec to breaker.Config.
func (b BreakerSpec) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold:  b.FailureThreshold,
		RecoveryTime:      time.Duration(b.RecoveryTimeMs) * time.Millisecond,
		HalfOpenMaxProbes: b.HalfOpenMaxProbes,
		MonitoringPeriod:  time.Duration(b.MonitoringPeriodMs) * time.Millisecond,
	}
}

// HealthConfig converts HealthSpec to health.Config.
func (h HealthSpec) HealthConfig() health.Config {
	return health.Config{
		Interval:     time.Duration(h.IntervalSeconds) * time.Second,
		ProbeTimeout: time.Duration(h.ProbeTimeoutSeconds) * time.Second,
		EWMAAlpha:    h.EWMAAlpha,
	}
}

// RouterConfig converts RouterSpec to router.Config.
func (r RouterSpec) RouterConfig() router.Config {
	return router.Config{
		Weights: router.Weights{
			Task:    r.WeightTask,
			Perf:    r.WeightPerf,
			Cost:    r.WeightCost,
			Avail:   r.WeightAvail,
			Quality: r.WeightQuality,
		},
		ReferenceLatency:  time.Duration(r.ReferenceLatencyMs) * time.Millisecond,
		AvailWindow:       r.AvailWindow,
		BackoffBase:       time.Duration(r.BackoffBaseMs) * time.Millisecond,
		DefaultMaxRetries: r.DefaultMaxRetries,
	}
}

// CacheConfig converts CacheSpec to cache.Config.
func (c CacheSpec) CacheConfig() cache.Config {
	return cache.Config{
		TTL:           time.Duration(c.TTLSeconds) * time.Second,
		MaxEntries:    c.MaxEntries,
		SweepInterval: time.Duration(c.SweepIntervalSeconds) * time.Second,
	}
}

// PoolConfig converts PoolSpec to pool.Config.
func (p PoolSpec) PoolConfig() pool.Config {
	return pool.Config{
		MinInstances:           p.MinInstances,
		MaxInstances:           p.MaxInstances,
		MaxConcurrentPerWorker: p.MaxConcurrentPerWorker,
		RequestTimeout:         time.Duration(p.RequestTimeoutSeconds) * time.Second,
		ScaleUpThreshold:       p.ScaleUpThreshold,
		ScaleDownThreshold:     p.ScaleDownThreshold,
		ScaleCooldown:          time.Duration(p.ScaleCooldownSeconds) * time.Second,
		ScaleTick:              time.Duration(p.ScaleTickSeconds) * time.Second,
		QueueLimit:             p.QueueLimit,
		OrphanGrace:            time.Duration(p.OrphanGraceSeconds) * time.Second,
		ShutdownGrace:          time.Duration(p.ShutdownGraceSeconds) * time.Second,
		WorkerBreaker:          p.Breaker.BreakerConfig(),
		Worker: worker.Config{
			Command:        p.WorkerCommand,
			Args:           p.WorkerArgs,
			ReadySentinel:  p.ReadySentinel,
			StartupTimeout: time.Duration(p.StartupTimeoutSeconds) * time.Second,
		},
	}
}
