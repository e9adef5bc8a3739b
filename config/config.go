package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory
	DataDir string

	// Database
	DatabasePath string

	// Agent CLI
	AgentCommand string // binary launched for every session (default "claude")

	// Credential directories
	CredentialsDir        string // root under which per-profile credential dirs live
	DefaultCredentialsDir string // ambient dir the default profile reuses, never created by us

	// Session persistence
	MaxSessions        int
	SnapshotIntervalMs int // 0 disables periodic snapshots

	// Debug settings
	DBLogQueries bool
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("SESSIONDECK_DATA_DIR", "./data")
	homeDir, _ := os.UserHomeDir()

	return &Config{
		// Server
		Port: getEnvInt("PORT", 12400),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		// Data
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "sessiondeck.sqlite"),

		// Agent CLI
		AgentCommand: getEnv("SESSIONDECK_AGENT_COMMAND", "claude"),

		// Credentials
		CredentialsDir:        getEnv("SESSIONDECK_CREDENTIALS_DIR", filepath.Join(dataDir, "credentials")),
		DefaultCredentialsDir: getEnv("SESSIONDECK_DEFAULT_CREDENTIALS_DIR", filepath.Join(homeDir, ".claude")),

		// Sessions
		MaxSessions:        getEnvInt("SESSIONDECK_MAX_SESSIONS", 12),
		SnapshotIntervalMs: getEnvInt("SESSIONDECK_SNAPSHOT_INTERVAL_MS", 30000),

		// Debug
		DBLogQueries: getEnv("DB_LOG_QUERIES", "") == "1",
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
