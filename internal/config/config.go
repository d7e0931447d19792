package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Defaults for the polling knobs. Flags may override these per
// invocation; the environment may override them per host.
const (
	DefaultHeartbeatThreshold = 120 * time.Second
	DefaultReconcileLimit     = 50
	DefaultPollInterval       = 30 * time.Second
	DefaultMaxEntryBytes      = 500_000
)

type Config struct {
	DataDir     string
	DBPath      string
	WorkersPath string

	// RemoteRoot is the work root on every worker VM. Job working
	// directories and control directories both hang off it.
	RemoteRoot string

	HeartbeatThreshold time.Duration
	ReconcileLimit     int
	PollInterval       time.Duration
	MaxEntryBytes      int64
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("BURNS_DATA_DIR", filepath.Join(homeDir, ".burns"))

	c := &Config{
		DataDir:            dataDir,
		DBPath:             filepath.Join(dataDir, "burns.db"),
		WorkersPath:        getEnv("BURNS_WORKERS", filepath.Join(dataDir, "workers.yaml")),
		RemoteRoot:         getEnv("BURNS_REMOTE_ROOT", "/home/agent/work"),
		HeartbeatThreshold: getEnvDuration("BURNS_HEARTBEAT_SECONDS", DefaultHeartbeatThreshold),
		ReconcileLimit:     getEnvInt("BURNS_RECONCILE_LIMIT", DefaultReconcileLimit),
		PollInterval:       getEnvDuration("BURNS_POLL_SECONDS", DefaultPollInterval),
		MaxEntryBytes:      int64(getEnvInt("BURNS_MAX_ENTRY_BYTES", DefaultMaxEntryBytes)),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration reads a whole number of seconds, matching how the
// flags on reconcile and watch are expressed.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return time.Duration(n) * time.Second
}
