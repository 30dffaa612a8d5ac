// Package clipconfig loads clipsync's runtime configuration: YAML file,
// overridden by environment variables, falling back to spec-mandated
// defaults.
//
// Grounded on takuphilchan-offgrid-llm's internal/config/config.go
// (yaml-tagged struct, getEnv/getEnvInt/getEnvBool override helpers).
package clipconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPolicy mirrors spec §6's retry_policy.* keys.
type RetryPolicy struct {
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelay      float64 `yaml:"initial_delay"`
	MaxDelay          float64 `yaml:"max_delay"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// Config is every recognized key from spec §6, plus the AMBIENT STACK
// additions for checkpoint/pairing directories.
type Config struct {
	Port             int    `yaml:"port"`
	PairingPort      int    `yaml:"pairing_port"`
	BufferSize       int    `yaml:"buffer_size"`
	MaxFileSize      int64  `yaml:"max_file_size"`
	MaxTotalSize     int64  `yaml:"max_total_size"`
	PollInterval     float64 `yaml:"poll_interval"`
	ChunkSize        int64  `yaml:"chunk_size"`
	PeerIP           string `yaml:"peer_ip"`
	UseAutoDiscovery bool   `yaml:"use_auto_discovery"`
	RequirePairing   bool   `yaml:"require_pairing"`

	TempFileMaxAgeHours float64 `yaml:"temp_file_max_age_hours"`

	RetryPolicy RetryPolicy `yaml:"retry_policy"`

	ChunkTimeout    float64 `yaml:"chunk_timeout"`
	TransferTimeout float64 `yaml:"transfer_timeout"`

	ConfigDir     string `yaml:"config_dir"`
	TempDir       string `yaml:"temp_dir"`
}

// ChunkTimeoutDuration converts ChunkTimeout (seconds) to a Duration.
func (c *Config) ChunkTimeoutDuration() time.Duration {
	return time.Duration(c.ChunkTimeout * float64(time.Second))
}

// TransferTimeoutDuration converts TransferTimeout (seconds) to a
// Duration.
func (c *Config) TransferTimeoutDuration() time.Duration {
	return time.Duration(c.TransferTimeout * float64(time.Second))
}

// TempFileMaxAge converts TempFileMaxAgeHours to a Duration.
func (c *Config) TempFileMaxAge() time.Duration {
	return time.Duration(c.TempFileMaxAgeHours * float64(time.Hour))
}

// Defaults returns spec's hard-coded default configuration.
func Defaults() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Port:                 9876,
		PairingPort:          9877,
		BufferSize:           64 * 1024,
		MaxFileSize:          100 * 1024 * 1024,
		MaxTotalSize:         500 * 1024 * 1024,
		PollInterval:         1.0,
		ChunkSize:            1024 * 1024,
		PeerIP:               "",
		UseAutoDiscovery:     true,
		RequirePairing:       true,
		TempFileMaxAgeHours:  1,
		RetryPolicy: RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      1,
			MaxDelay:          30,
			BackoffMultiplier: 2,
		},
		ChunkTimeout:    30,
		TransferTimeout: 600,
		ConfigDir:       homeDir + "/.clipsync",
		TempDir:         os.TempDir(),
	}
}

// Load reads path (if it exists), applies it over Defaults(), then
// applies environment variable overrides, following the teacher pack's
// "env wins last" convention.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("clipconfig: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("clipconfig: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Port = getEnvInt("CLIPSYNC_PORT", cfg.Port)
	cfg.PairingPort = getEnvInt("CLIPSYNC_PAIRING_PORT", cfg.PairingPort)
	cfg.BufferSize = getEnvInt("CLIPSYNC_BUFFER_SIZE", cfg.BufferSize)
	cfg.MaxFileSize = getEnvInt64("CLIPSYNC_MAX_FILE_SIZE", cfg.MaxFileSize)
	cfg.MaxTotalSize = getEnvInt64("CLIPSYNC_MAX_TOTAL_SIZE", cfg.MaxTotalSize)
	cfg.ChunkSize = getEnvInt64("CLIPSYNC_CHUNK_SIZE", cfg.ChunkSize)
	cfg.PeerIP = getEnv("CLIPSYNC_PEER_IP", cfg.PeerIP)
	cfg.UseAutoDiscovery = getEnvBool("CLIPSYNC_USE_AUTO_DISCOVERY", cfg.UseAutoDiscovery)
	cfg.RequirePairing = getEnvBool("CLIPSYNC_REQUIRE_PAIRING", cfg.RequirePairing)
	cfg.TempFileMaxAgeHours = getEnvFloat("CLIPSYNC_TEMP_FILE_MAX_AGE_HOURS", cfg.TempFileMaxAgeHours)
	cfg.ChunkTimeout = getEnvFloat("CLIPSYNC_CHUNK_TIMEOUT", cfg.ChunkTimeout)
	cfg.TransferTimeout = getEnvFloat("CLIPSYNC_TRANSFER_TIMEOUT", cfg.TransferTimeout)
	cfg.ConfigDir = getEnv("CLIPSYNC_CONFIG_DIR", cfg.ConfigDir)
	cfg.TempDir = getEnv("CLIPSYNC_TEMP_DIR", cfg.TempDir)

	cfg.RetryPolicy.MaxRetries = getEnvInt("CLIPSYNC_RETRY_MAX_RETRIES", cfg.RetryPolicy.MaxRetries)
	cfg.RetryPolicy.InitialDelay = getEnvFloat("CLIPSYNC_RETRY_INITIAL_DELAY", cfg.RetryPolicy.InitialDelay)
	cfg.RetryPolicy.MaxDelay = getEnvFloat("CLIPSYNC_RETRY_MAX_DELAY", cfg.RetryPolicy.MaxDelay)
	cfg.RetryPolicy.BackoffMultiplier = getEnvFloat("CLIPSYNC_RETRY_BACKOFF_MULTIPLIER", cfg.RetryPolicy.BackoffMultiplier)
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
