package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config holds all agent configuration
type Config struct {
	ServerAddress string   `json:"serverAddress"`
	DatabasePath  string   `json:"databasePath"`
	Remote        Remote   `json:"remote"`
	Sync          Sync     `json:"sync"`
	Security      Security `json:"security"`
}

// Remote configures the shared remote store. URL selects the
// Supabase-style REST backend; DatabaseURL selects a direct Postgres
// connection instead. Neither set means local-only operation.
type Remote struct {
	URL         string `json:"url"`
	APIKey      string `json:"apiKey"`
	DatabaseURL string `json:"databaseUrl"`
}

// Sync tunes the orchestrator
type Sync struct {
	IntervalMinutes    int     `json:"intervalMinutes"`
	BatchSize          int     `json:"batchSize"`
	DownloadLimit      int     `json:"downloadLimit"`
	MaxRetries         int     `json:"maxRetries"`
	BackoffBase        float64 `json:"backoffBase"`
	RunTimeoutMinutes  int     `json:"runTimeoutMinutes"`
	RequestTimeoutSecs int     `json:"requestTimeoutSecs"`
	ProbeIntervalSecs  int     `json:"probeIntervalSecs"`
}

// Security configuration for the local control API
type Security struct {
	APIKey       string `json:"apiKey"`
	APIKeyHeader string `json:"apiKeyHeader"`
}

// UseDirectPostgres returns true if the remote should be reached over
// a direct database connection
func (c *Config) UseDirectPostgres() bool {
	return c.Remote.DatabaseURL != ""
}

// RemoteConfigured returns true if any remote backend is set up
func (c *Config) RemoteConfigured() bool {
	return c.Remote.DatabaseURL != "" || c.Remote.URL != ""
}

// Default configuration
func defaultConfig() *Config {
	return &Config{
		ServerAddress: ":7411",
		DatabasePath:  "agrosync.db",
		Sync: Sync{
			IntervalMinutes:    5,
			BatchSize:          50,
			DownloadLimit:      100,
			MaxRetries:         5,
			BackoffBase:        2,
			RunTimeoutMinutes:  10,
			RequestTimeoutSecs: 30,
			ProbeIntervalSecs:  15,
		},
		Security: Security{
			APIKey:       "CHANGE_THIS_TO_A_SECURE_API_KEY_AT_LEAST_32_CHARS",
			APIKeyHeader: "X-API-Key",
		},
	}
}

// Load loads configuration from file or environment
func Load() (*Config, error) {
	cfg := defaultConfig()

	// Try to load from config file
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	// Override from environment variables
	if addr := os.Getenv("SERVER_ADDRESS"); addr != "" {
		cfg.ServerAddress = addr
	}
	if dbPath := os.Getenv("DATABASE_PATH"); dbPath != "" {
		cfg.DatabasePath = dbPath
	}
	if remoteURL := os.Getenv("REMOTE_URL"); remoteURL != "" {
		cfg.Remote.URL = remoteURL
	}
	if remoteKey := os.Getenv("REMOTE_API_KEY"); remoteKey != "" {
		cfg.Remote.APIKey = remoteKey
	}
	if dbURL := os.Getenv("REMOTE_DATABASE_URL"); dbURL != "" {
		cfg.Remote.DatabaseURL = dbURL
	}
	if apiKey := os.Getenv("API_KEY"); apiKey != "" {
		cfg.Security.APIKey = apiKey
	}

	// Sync tuning
	if interval := os.Getenv("SYNC_INTERVAL_MINUTES"); interval != "" {
		if minutes, err := strconv.Atoi(interval); err == nil && minutes > 0 {
			cfg.Sync.IntervalMinutes = minutes
		}
	}
	if batch := os.Getenv("SYNC_BATCH_SIZE"); batch != "" {
		if n, err := strconv.Atoi(batch); err == nil && n > 0 {
			cfg.Sync.BatchSize = n
		}
	}
	if retries := os.Getenv("SYNC_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil && n > 0 {
			cfg.Sync.MaxRetries = n
		}
	}

	return cfg, nil
}
