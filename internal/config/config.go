// Package config loads vsmd runtime configuration from defaults with
// environment variable overrides: every key in spec.md's configuration
// table has a hardcoded default and an env var of the same name (upper
// snake case) that wins when set, matching aegisd's DefaultConfig and
// aegis-agent's loadAgentConfig precedence.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds vsmd runtime configuration.
type Config struct {
	// HTTPPort is the port the HTTP facade listens on.
	HTTPPort int

	// DaemonEnabled starts the variety monitor enabled.
	DaemonEnabled bool

	// DaemonInterval is the monitor tick interval.
	DaemonInterval time.Duration

	// RouterRefresh is the capability router's periodic full-refresh interval.
	RouterRefresh time.Duration

	// SpawnHandshakeTimeout bounds the initialize handshake after spawn.
	SpawnHandshakeTimeout time.Duration

	// CallDefaultTimeout is the default per-request JSON-RPC timeout.
	CallDefaultTimeout time.Duration

	// RestartMaxAttempts bounds restarts within RestartWindow.
	RestartMaxAttempts int

	// RestartWindow is the rolling window restart attempts are counted over.
	RestartWindow time.Duration

	// InstallTimeout bounds package installation.
	InstallTimeout time.Duration

	// AcquisitionWait bounds how long the coordinator waits for the router
	// to reflect a newly spawned provider.
	AcquisitionWait time.Duration

	// AcquisitionConcurrency caps parallel acquisitions dispatched per tick.
	AcquisitionConcurrency int

	// MaxChildMemoryBytes is a best-effort per-child memory cap (0 = unbounded).
	MaxChildMemoryBytes int64

	// MaxChildCPUPercent is a best-effort per-child CPU share cap (0 = unbounded).
	MaxChildCPUPercent int

	// StderrBufferBytes caps each child's in-memory stderr ring buffer.
	StderrBufferBytes int

	// DataDir is the base directory for vsmd runtime data.
	DataDir string

	// PackageCacheDir holds cached/unpacked installed tool-server packages.
	PackageCacheDir string

	// CapabilityMapDir holds tool→capability mapping manifests.
	CapabilityMapDir string

	// DBPath is the path to the sqlite install-cache database.
	DBPath string

	// RegistryEndpoint is the base registry package references resolve
	// against. Empty means resolve references exactly as given.
	RegistryEndpoint string

	// RegistryAuthSecretPath is the path to an encrypted registry credential blob.
	RegistryAuthSecretPath string

	// MasterKeyPath is the path to the AES-256 key used to encrypt registry credentials.
	MasterKeyPath string

	// DiscoveryReindexCron is a 5-field cron expression for the background
	// pass that re-runs Discovery searches for the required capabilities.
	// Empty disables it.
	DiscoveryReindexCron string
}

// DefaultConfig returns the default configuration, then applies env var overrides.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".vsm-mcp")

	c := &Config{
		HTTPPort:               4000,
		DaemonEnabled:          true,
		DaemonInterval:         30 * time.Second,
		RouterRefresh:          5 * time.Second,
		SpawnHandshakeTimeout:  10 * time.Second,
		CallDefaultTimeout:     30 * time.Second,
		RestartMaxAttempts:     5,
		RestartWindow:          60 * time.Second,
		InstallTimeout:         120 * time.Second,
		AcquisitionWait:        15 * time.Second,
		AcquisitionConcurrency: 3,
		StderrBufferBytes:      1 << 20,
		DataDir:                filepath.Join(baseDir, "data"),
		PackageCacheDir:        filepath.Join(baseDir, "packages"),
		CapabilityMapDir:       filepath.Join(baseDir, "capability-maps"),
		DBPath:                 filepath.Join(baseDir, "data", "vsm-mcp.db"),
		MasterKeyPath:          filepath.Join(baseDir, "master.key"),
	}

	applyEnvOverrides(c)
	return c
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = n
		}
	}
	if v := os.Getenv("DAEMON_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DaemonEnabled = b
		}
	}
	if v := os.Getenv("DAEMON_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DaemonInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ROUTER_REFRESH_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RouterRefresh = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("SPAWN_HANDSHAKE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SpawnHandshakeTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("CALL_DEFAULT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CallDefaultTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RESTART_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RestartMaxAttempts = n
		}
	}
	if v := os.Getenv("RESTART_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RestartWindow = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("INSTALL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.InstallTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ACQUISITION_WAIT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AcquisitionWait = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("ACQUISITION_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.AcquisitionConcurrency = n
		}
	}
	if v := os.Getenv("MAX_CHILD_MEMORY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxChildMemoryBytes = n
		}
	}
	if v := os.Getenv("MAX_CHILD_CPU_PCT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxChildCPUPercent = n
		}
	}
	if v := os.Getenv("STDERR_BUFFER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.StderrBufferBytes = n
		}
	}
	if v := os.Getenv("VSM_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PACKAGE_CACHE_DIR"); v != "" {
		c.PackageCacheDir = v
	}
	if v := os.Getenv("CAPABILITY_MAP_DIR"); v != "" {
		c.CapabilityMapDir = v
	}
	if v := os.Getenv("VSM_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("REGISTRY_ENDPOINT"); v != "" {
		c.RegistryEndpoint = v
	}
	if v := os.Getenv("REGISTRY_AUTH_SECRET_PATH"); v != "" {
		c.RegistryAuthSecretPath = v
	}
	if v := os.Getenv("DISCOVERY_REINDEX_CRON"); v != "" {
		c.DiscoveryReindexCron = v
	}
}

// EnsureDirs creates all directories the config references.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.PackageCacheDir,
		c.CapabilityMapDir,
		filepath.Dir(c.DBPath),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
