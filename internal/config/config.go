package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds accepted for run.server
const (
	ServerVLLM   = "vLLM"
	ServerTriton = "Triton"
)

// API flavors accepted for run.api
const (
	APICompletions = "completions"
	APIChat        = "chat"
)

// Config holds all application configuration
type Config struct {
	Run         RunConfig         `mapstructure:"run"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Profiling   ProfilingConfig   `mapstructure:"profiling"`
	Transfer    TransferConfig    `mapstructure:"transfer"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// RunConfig describes one load test
type RunConfig struct {
	Server      string        `mapstructure:"server"`   // vLLM or Triton
	API         string        `mapstructure:"api"`      // completions or chat (vLLM only)
	Host        string        `mapstructure:"host"`     // e.g. http://localhost:8000
	Endpoint    string        `mapstructure:"endpoint"` // e.g. /v1/completions
	InputFile   string        `mapstructure:"ifile"`
	OutputLen   int           `mapstructure:"olen"`
	OutJSON     string        `mapstructure:"out_json"`
	OutDir      string        `mapstructure:"out"` // per-session dumps, optional
	Target      string        `mapstructure:"target"`
	Model       string        `mapstructure:"hf_model"`
	Users       int           `mapstructure:"users"`
	SpawnRate   float64       `mapstructure:"spawn_rate"`
	Duration    time.Duration `mapstructure:"duration"`
	Workers     int           `mapstructure:"workers"`
	Pacing      time.Duration `mapstructure:"pacing"` // minimum interval between request starts, 0 = back to back
	RandomInput bool          `mapstructure:"random_input"`
	PoolSize    int           `mapstructure:"pool_size"`
	Timeout     time.Duration `mapstructure:"request_timeout"`
}

// CoordinatorConfig holds the coordinator listener and the URL workers report to
type CoordinatorConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	URL  string `mapstructure:"url"`
}

// DatabaseConfig holds run history database configuration
type DatabaseConfig struct {
	Path    string `mapstructure:"path"`
	Enabled bool   `mapstructure:"enabled"`
}

// ProfilingConfig controls the start/stop profile side-channel
type ProfilingConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TransferConfig holds the SFTP results host
type TransferConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	KeyPath   string `mapstructure:"key_path"`
	RemoteDir string `mapstructure:"remote_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := New()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return Decode(v)
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // .env is optional

	return Decode(v)
}

// New returns a viper instance with defaults and environment bindings applied.
// Callers may bind command-line flags onto it before calling Decode.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	bindEnvVars(v)

	return v
}

// Decode unmarshals a prepared viper instance
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Run defaults
	v.SetDefault("run.server", ServerVLLM)
	v.SetDefault("run.api", APICompletions)
	v.SetDefault("run.host", "http://localhost:8000")
	v.SetDefault("run.out_json", "benchmark.json")
	v.SetDefault("run.users", 1)
	v.SetDefault("run.spawn_rate", 1.0)
	v.SetDefault("run.duration", time.Minute)
	v.SetDefault("run.workers", 1)
	v.SetDefault("run.pool_size", 200)
	v.SetDefault("run.request_timeout", 10*time.Minute)

	// Coordinator defaults
	v.SetDefault("coordinator.host", "0.0.0.0")
	v.SetDefault("coordinator.port", 5557)
	v.SetDefault("coordinator.url", "http://localhost:5557")

	// Database defaults
	v.SetDefault("database.path", "./data/llmbench.db")
	v.SetDefault("database.enabled", true)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.timeout", 30*time.Second)

	v.SetDefault("transfer.port", 22)
	v.SetDefault("transfer.remote_dir", "llmbench-results")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	bindEnv("run.server", "LLMBENCH_SERVER")
	bindEnv("run.host", "LLMBENCH_HOST")
	bindEnv("run.endpoint", "LLMBENCH_ENDPOINT")
	bindEnv("run.ifile", "LLMBENCH_IFILE")
	bindEnv("run.olen", "LLMBENCH_OLEN")
	bindEnv("run.out_json", "LLMBENCH_OUT_JSON")
	bindEnv("run.target", "LLMBENCH_TARGET")
	bindEnv("run.hf_model", "MODEL_PATH")

	bindEnv("coordinator.port", "COORDINATOR_PORT")
	bindEnv("coordinator.url", "COORDINATOR_URL")

	bindEnv("database.path", "DATABASE_PATH")

	bindEnv("profiling.enabled", "RPD_PROFILE")

	bindEnv("transfer.host", "RESULTS_HOST")
	bindEnv("transfer.user", "RESULTS_USER")
	bindEnv("transfer.key_path", "RESULTS_KEY_PATH")

	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}
