package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config holds configuration settings for the worker
	Config struct {
		// API Server
		APIHost     string
		APIPort     int
		LogLevel    string
		Environment Environment

		// Redis
		Redis RedisConfig

		// Execution Pool
		PoolSize              int
		FlowTimeout           time.Duration
		TriggerTimeout        time.Duration
		SandboxMemoryLimitMB  int
		SandboxCommand        []string
		SandboxConnectTimeout time.Duration
		ExecutionMode         ExecutionMode
		Dedicated             bool
		ControlURL            string

		// Rate Limiting
		Edition                     Edition
		MaxConcurrentJobsPerProject int
		PlanLimitsFile              string
		PlanLimits                  map[string]int

		// Queue
		FailedJobRetentionDays     int
		FailedJobRetentionMaxCount int

		// Step State
		StepStateURL           string
		StepStateFlushInterval time.Duration

		ShutdownTimeout time.Duration
	}

	// RedisConfig locates the redis instance shared by all workers
	RedisConfig struct {
		Addr     string
		Password string
		DB       int
		Prefix   string
	}

	// Environment is the deployment environment of the worker
	Environment string

	// ExecutionMode controls how strongly sandboxes are isolated
	ExecutionMode string

	// Edition selects the product edition, which decides whether plan limits
	// apply
	Edition string

	planLimitsFile struct {
		Plans map[string]int `yaml:"plans"`
	}
)

const (
	EnvironmentDev  Environment = "dev"
	EnvironmentProd Environment = "prod"
)

const (
	ModeUnsandboxed           ExecutionMode = "UNSANDBOXED"
	ModeSandboxProcess        ExecutionMode = "SANDBOX_PROCESS"
	ModeSandboxCodeOnly       ExecutionMode = "SANDBOX_CODE_ONLY"
	ModeSandboxCodeAndProcess ExecutionMode = "SANDBOX_CODE_AND_PROCESS"
)

const (
	EditionCommunity  Edition = "COMMUNITY"
	EditionEnterprise Edition = "ENTERPRISE"
	EditionCloud      Edition = "CLOUD"
)

const (
	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535

	DefaultRedisEndpoint = "localhost:6379"
	DefaultRedisDB       = 0
	DefaultRedisPrefix   = "argyll"
	MaxRedisDB           = 15

	DefaultPoolSize              = 4
	DefaultFlowTimeout           = 600 * time.Second
	DefaultTriggerTimeout        = 60 * time.Second
	DefaultSandboxMemoryLimitMB  = 1024
	DefaultSandboxConnectTimeout = 10 * time.Second
	DefaultSandboxCommand        = "argyll-sandbox"
	DefaultExecutionMode         = ModeUnsandboxed

	DefaultEdition                     = EditionCommunity
	DefaultMaxConcurrentJobsPerProject = 100

	DefaultFailedJobRetentionDays     = 30
	DefaultFailedJobRetentionMaxCount = 100_000

	DefaultStepStateURL           = "file:///tmp/argyll/step-state?create_dir=true"
	DefaultStepStateFlushInterval = 15 * time.Second

	DefaultShutdownTimeout = 10 * time.Second

	MaxPoolSize                 = 1024
	MaxTimeoutSeconds           = 24 * 60 * 60
	MaxSandboxMemoryLimitMB     = 1024 * 1024
	MaxConcurrentJobsPerProject = 1_000_000
	MaxFailedJobRetentionDays   = 3650
	MaxFailedJobRetentionCount  = 100_000_000
	MaxFlushIntervalSeconds     = 60 * 60
)

var (
	ErrInvalidAPIPort        = errors.New("invalid API port")
	ErrInvalidPoolSize       = errors.New("pool size must be positive")
	ErrInvalidFlowTimeout    = errors.New("flow timeout must be positive")
	ErrInvalidTriggerTimeout = errors.New("trigger timeout must be positive")
	ErrInvalidConnectTimeout = errors.New(
		"sandbox connect timeout must be positive",
	)
	ErrSandboxCommandRequired = errors.New("sandbox command is required")
	ErrInvalidExecutionMode   = errors.New("invalid execution mode")
	ErrInvalidEdition         = errors.New("invalid edition")
	ErrInvalidEnvironment     = errors.New("invalid environment")
	ErrInvalidJobLimit        = errors.New(
		"max concurrent jobs per project must be positive",
	)
	ErrInvalidPlanLimit = errors.New("plan limit must be positive")
	ErrInvalidFlush     = errors.New(
		"step state flush interval must be positive",
	)
	ErrStepStateURLRequired = errors.New("step state URL is required")
)

// NewDefaultConfig creates a configuration with sensible defaults for the
// pool, rate limiter, queue, and step state store
func NewDefaultConfig() *Config {
	return &Config{
		APIHost:     DefaultAPIHost,
		APIPort:     DefaultAPIPort,
		LogLevel:    "info",
		Environment: EnvironmentProd,
		Redis: RedisConfig{
			Addr:   DefaultRedisEndpoint,
			DB:     DefaultRedisDB,
			Prefix: DefaultRedisPrefix,
		},
		PoolSize:                    DefaultPoolSize,
		FlowTimeout:                 DefaultFlowTimeout,
		TriggerTimeout:              DefaultTriggerTimeout,
		SandboxMemoryLimitMB:        DefaultSandboxMemoryLimitMB,
		SandboxCommand:              []string{DefaultSandboxCommand},
		SandboxConnectTimeout:       DefaultSandboxConnectTimeout,
		ExecutionMode:               DefaultExecutionMode,
		Edition:                     DefaultEdition,
		MaxConcurrentJobsPerProject: DefaultMaxConcurrentJobsPerProject,
		PlanLimits:                  map[string]int{},
		FailedJobRetentionDays:      DefaultFailedJobRetentionDays,
		FailedJobRetentionMaxCount:  DefaultFailedJobRetentionMaxCount,
		StepStateURL:                DefaultStepStateURL,
		StepStateFlushInterval:      DefaultStepStateFlushInterval,
		ShutdownTimeout:             DefaultShutdownTimeout,
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed or is out of range
func (c *Config) LoadFromEnv() error {
	loadEnvString("API_HOST", &c.APIHost)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvString("ENVIRONMENT", &c.Environment)
	loadEnvString("EXECUTION_MODE", &c.ExecutionMode)
	loadEnvString("EDITION", &c.Edition)
	loadEnvString("CONTROL_URL", &c.ControlURL)
	loadEnvString("PLAN_LIMITS_FILE", &c.PlanLimitsFile)
	loadEnvString("STEP_STATE_URL", &c.StepStateURL)
	LoadRedisConfigFromEnv(&c.Redis)

	if cmd := os.Getenv("SANDBOX_COMMAND"); cmd != "" {
		c.SandboxCommand = strings.Fields(cmd)
	}
	if ded := os.Getenv("WORKER_DEDICATED"); ded != "" {
		v, err := strconv.ParseBool(ded)
		if err != nil {
			return fmt.Errorf("invalid WORKER_DEDICATED: %q", ded)
		}
		c.Dedicated = v
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"WORKER_CONCURRENCY", &c.PoolSize, 0, MaxPoolSize,
	); err != nil {
		return err
	}
	if err := loadEnvSeconds(
		"FLOW_TIMEOUT_SECONDS", &c.FlowTimeout, MaxTimeoutSeconds,
	); err != nil {
		return err
	}
	if err := loadEnvSeconds(
		"TRIGGER_TIMEOUT_SECONDS", &c.TriggerTimeout, MaxTimeoutSeconds,
	); err != nil {
		return err
	}
	if err := loadEnvSeconds(
		"SANDBOX_CONNECT_TIMEOUT_SECONDS", &c.SandboxConnectTimeout,
		MaxTimeoutSeconds,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"SANDBOX_MEMORY_LIMIT_MB", &c.SandboxMemoryLimitMB,
		0, MaxSandboxMemoryLimitMB,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"MAX_CONCURRENT_JOBS_PER_PROJECT", &c.MaxConcurrentJobsPerProject,
		0, MaxConcurrentJobsPerProject,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"REDIS_FAILED_JOB_RETENTION_DAYS", &c.FailedJobRetentionDays,
		0, MaxFailedJobRetentionDays,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"REDIS_FAILED_JOB_RETENTION_MAX_COUNT", &c.FailedJobRetentionMaxCount,
		0, MaxFailedJobRetentionCount,
	); err != nil {
		return err
	}
	if err := loadEnvSeconds(
		"STEP_STATE_FLUSH_SECONDS", &c.StepStateFlushInterval,
		MaxFlushIntervalSeconds,
	); err != nil {
		return err
	}

	if c.PlanLimitsFile != "" {
		plans, err := LoadPlanLimits(c.PlanLimitsFile)
		if err != nil {
			return err
		}
		c.PlanLimits = plans
	}
	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPoolSize, c.PoolSize)
	}
	if c.FlowTimeout <= 0 {
		return ErrInvalidFlowTimeout
	}
	if c.TriggerTimeout <= 0 {
		return ErrInvalidTriggerTimeout
	}
	if c.SandboxConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}
	if len(c.SandboxCommand) == 0 || c.SandboxCommand[0] == "" {
		return ErrSandboxCommandRequired
	}
	if !c.ExecutionMode.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidExecutionMode, c.ExecutionMode)
	}
	if !c.Edition.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidEdition, c.Edition)
	}
	if c.Environment != EnvironmentDev && c.Environment != EnvironmentProd {
		return fmt.Errorf("%w: %s", ErrInvalidEnvironment, c.Environment)
	}
	if c.MaxConcurrentJobsPerProject <= 0 {
		return ErrInvalidJobLimit
	}
	for plan, limit := range c.PlanLimits {
		if limit <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPlanLimit, plan, limit)
		}
	}
	if c.StepStateURL == "" {
		return ErrStepStateURLRequired
	}
	if c.StepStateFlushInterval <= 0 {
		return ErrInvalidFlush
	}
	return nil
}

// ReuseSandboxes reports whether a sandbox may serve more than one task.
// Reuse is only safe when tenants cannot observe each other through a
// long-lived process
func (c *Config) ReuseSandboxes() bool {
	if c.Environment == EnvironmentDev || c.Dedicated {
		return true
	}
	switch c.ExecutionMode {
	case ModeUnsandboxed, ModeSandboxCodeOnly:
		return true
	default:
		return false
	}
}

// Valid reports whether the execution mode is recognized
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeUnsandboxed, ModeSandboxProcess, ModeSandboxCodeOnly,
		ModeSandboxCodeAndProcess:
		return true
	default:
		return false
	}
}

// Valid reports whether the edition is recognized
func (e Edition) Valid() bool {
	switch e {
	case EditionCommunity, EditionEnterprise, EditionCloud:
		return true
	default:
		return false
	}
}

// LoadRedisConfigFromEnv loads the redis connection settings from REDIS_*
// environment variables
func LoadRedisConfigFromEnv(r *RedisConfig) {
	loadEnvString("REDIS_ADDR", &r.Addr)
	loadEnvString("REDIS_PASSWORD", &r.Password)
	loadEnvString("REDIS_PREFIX", &r.Prefix)
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err == nil && db >= 0 && db <= MaxRedisDB {
			r.DB = db
		}
	}
}

// LoadPlanLimits reads a plan-name to job-limit table from a YAML file of
// the form:
//
//	plans:
//	  free: 1
//	  pro: 10
func LoadPlanLimits(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan limits: %w", err)
	}
	var f planLimitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan limits: %w", err)
	}
	res := make(map[string]int, len(f.Plans))
	for plan, limit := range f.Plans {
		if limit <= 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidPlanLimit, plan, limit)
		}
		res[plan] = limit
	}
	return res, nil
}

func loadEnvString[T ~string](key string, dst *T) {
	if s := os.Getenv(key); s != "" {
		*dst = T(s)
	}
}

func loadEnvSeconds(key string, dst *time.Duration, maxSecs int64) error {
	if os.Getenv(key) == "" {
		return nil
	}
	var secs int64
	if err := loadEnvInt(key, &secs, 0, maxSecs); err != nil {
		return err
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max]. Returns an error if
// the value cannot be parsed or falls outside the valid range
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}
