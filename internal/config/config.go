// Package config loads fleet control-plane configuration from defaults,
// an optional YAML file, and environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	Host string `yaml:"host" env:"SERVER_HOST"`
	Port int    `yaml:"port" env:"SERVER_PORT"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// HealthConfig controls the health engine's periodic probe loop.
type HealthConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds" env:"HEALTH_INTERVAL_SECONDS"`
	Jitter          float64 `yaml:"jitter" env:"HEALTH_JITTER"`
	MaxParallel     int     `yaml:"max_parallel" env:"HEALTH_MAX_PARALLEL"`
}

// ThresholdConfig controls the warn/crit bounds used by the health engine.
type ThresholdConfig struct {
	CPUWarnPercent         float64 `yaml:"cpu_warn_percent" env:"THRESHOLDS_CPU_WARN_PERCENT"`
	CPUCritPercent         float64 `yaml:"cpu_crit_percent" env:"THRESHOLDS_CPU_CRIT_PERCENT"`
	MemWarnPercent         float64 `yaml:"mem_warn_percent" env:"THRESHOLDS_MEM_WARN_PERCENT"`
	MemCritPercent         float64 `yaml:"mem_crit_percent" env:"THRESHOLDS_MEM_CRIT_PERCENT"`
	StorageWarnPercent     float64 `yaml:"storage_warn_percent" env:"THRESHOLDS_STORAGE_WARN_PERCENT"`
	StorageCritPercent     float64 `yaml:"storage_crit_percent" env:"THRESHOLDS_STORAGE_CRIT_PERCENT"`
	FreeDiskWarnGB         float64 `yaml:"free_disk_warn_gb" env:"THRESHOLDS_FREE_DISK_WARN_GB"`
	FreeDiskCritGB         float64 `yaml:"free_disk_crit_gb" env:"THRESHOLDS_FREE_DISK_CRIT_GB"`
	BoardTempWarnC         float64 `yaml:"board_temp_warn_c" env:"THRESHOLDS_BOARD_TEMP_WARN_C"`
	BoardTempCritC         float64 `yaml:"board_temp_crit_c" env:"THRESHOLDS_BOARD_TEMP_CRIT_C"`
	ResponseWarnMillis     int     `yaml:"response_warn_ms" env:"THRESHOLDS_RESPONSE_WARN_MS"`
	ResponseCritMillis     int     `yaml:"response_crit_ms" env:"THRESHOLDS_RESPONSE_CRIT_MS"`
	ConsecutiveFailureCap  int     `yaml:"consecutive_failure_cap" env:"THRESHOLDS_CONSECUTIVE_FAILURE_CAP"`
}

// QueueConfig controls the build-job queue.
type QueueConfig struct {
	MaxSize     int `yaml:"max_size" env:"QUEUE_MAX_SIZE"`
	TickSeconds int `yaml:"tick_seconds" env:"QUEUE_TICK_SECONDS"`
}

// BuildConfig controls the build executor and artifact retention.
type BuildConfig struct {
	ArtifactRoot   string `yaml:"artifact_root" env:"BUILD_ARTIFACT_ROOT"`
	RetentionDays  int    `yaml:"retention_days" env:"BUILD_RETENTION_DAYS"`
	WorkspaceKeep  bool   `yaml:"workspace_keep" env:"BUILD_WORKSPACE_KEEP"`
}

// DeploymentConfig controls the deployment orchestrator.
type DeploymentConfig struct {
	BootTimeoutSeconds     int `yaml:"boot_timeout_seconds" env:"DEPLOYMENT_BOOT_TIMEOUT"`
	TransferTimeoutSeconds int `yaml:"transfer_timeout_seconds" env:"DEPLOYMENT_TRANSFER_TIMEOUT"`
}

// AlertsConfig controls the alert service.
type AlertsConfig struct {
	CooldownSeconds      int     `yaml:"cooldown_seconds" env:"ALERTS_COOLDOWN_SECONDS"`
	MaxHistory           int     `yaml:"max_history" env:"ALERTS_MAX_HISTORY"`
	ChannelRatePerSecond float64 `yaml:"channel_rate_per_second" env:"ALERTS_CHANNEL_RATE_PER_SECOND"`
	ChannelBurst         int     `yaml:"channel_burst" env:"ALERTS_CHANNEL_BURST"`
}

// PipelinesConfig controls the pipeline engine.
type PipelinesConfig struct {
	DefaultMaxRetries    int `yaml:"default_max_retries" env:"PIPELINES_DEFAULT_MAX_RETRIES"`
	RetryBackoffSeconds  int `yaml:"retry_backoff_seconds" env:"PIPELINES_RETRY_BACKOFF_SECONDS"`
}

// GroupsConfig controls the resource-group policy engine.
type GroupsConfig struct {
	DefaultMaxAllocationDurationSeconds int `yaml:"default_max_allocation_duration_seconds" env:"GROUPS_DEFAULT_MAX_ALLOCATION_DURATION_SECONDS"`
}

// SelectorConfig controls the filter/score/reserve selectors.
type SelectorConfig struct {
	MaxUtilizationPercent   float64 `yaml:"max_utilization_percent" env:"SELECTOR_MAX_UTILIZATION_PERCENT"`
	ReservationTTLSeconds   int     `yaml:"reservation_ttl_seconds" env:"SELECTOR_RESERVATION_TTL_SECONDS"`
	RunnerUpCount           int     `yaml:"runner_up_count" env:"SELECTOR_RUNNER_UP_COUNT"`
	ReaperIntervalSeconds   int     `yaml:"reaper_interval_seconds" env:"SELECTOR_REAPER_INTERVAL_SECONDS"`
}

// SecretEncConfig controls envelope encryption of asset credential
// references (board power-controller tokens, flash-station auth, etc).
// MasterKeyBase64 must decode to a 32-byte AES-256 key.
type SecretEncConfig struct {
	MasterKeyBase64 string `yaml:"master_key_base64" env:"SECRETENC_MASTER_KEY_BASE64"`
}

// Config is the top-level configuration tree.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Health      HealthConfig      `yaml:"health"`
	Thresholds  ThresholdConfig   `yaml:"thresholds"`
	Queue       QueueConfig       `yaml:"queue"`
	Build       BuildConfig       `yaml:"build"`
	Deployment  DeploymentConfig  `yaml:"deployment"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Pipelines   PipelinesConfig   `yaml:"pipelines"`
	Groups      GroupsConfig      `yaml:"groups"`
	Selector    SelectorConfig    `yaml:"selector"`
	SecretEnc   SecretEncConfig   `yaml:"secretenc"`
	StateDir    string            `yaml:"state_dir" env:"STATE_DIR"`
}

// New returns a Config populated with sane operational defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Health: HealthConfig{IntervalSeconds: 30, Jitter: 0.1, MaxParallel: 32},
		Thresholds: ThresholdConfig{
			CPUWarnPercent: 85, CPUCritPercent: 95,
			MemWarnPercent: 85, MemCritPercent: 95,
			StorageWarnPercent: 85, StorageCritPercent: 95,
			FreeDiskWarnGB: 10, FreeDiskCritGB: 5,
			BoardTempWarnC: 70, BoardTempCritC: 85,
			ResponseWarnMillis: 5000, ResponseCritMillis: 10000,
			ConsecutiveFailureCap: 3,
		},
		Queue: QueueConfig{MaxSize: 1000, TickSeconds: 10},
		Build: BuildConfig{ArtifactRoot: "/var/lib/artifacts", RetentionDays: 30, WorkspaceKeep: false},
		Deployment: DeploymentConfig{BootTimeoutSeconds: 120, TransferTimeoutSeconds: 300},
		Alerts: AlertsConfig{CooldownSeconds: 300, MaxHistory: 10000, ChannelRatePerSecond: 5, ChannelBurst: 10},
		Pipelines: PipelinesConfig{DefaultMaxRetries: 2, RetryBackoffSeconds: 1},
		Groups: GroupsConfig{DefaultMaxAllocationDurationSeconds: 0},
		Selector: SelectorConfig{
			MaxUtilizationPercent: 90, ReservationTTLSeconds: 60,
			RunnerUpCount: 3, ReaperIntervalSeconds: 15,
		},
		SecretEnc: SecretEncConfig{MasterKeyBase64: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="},
		StateDir: "state",
	}
}

// Load loads defaults, an optional YAML file (CONFIG_FILE or
// configs/config.yaml), then environment overrides, in that order.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from an explicit YAML path.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
}
