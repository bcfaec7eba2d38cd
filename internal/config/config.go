package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port string

	// Logging configuration
	LogLevel string

	// Store configuration
	StoreDriver            string
	SQLitePath             string
	AWSRegion              string
	DynamoDBInstancesTable string
	DynamoDBTypesTable     string

	// Port pool
	PortRangeStart int
	PortRangeEnd   int

	// Provisioning limits and timeouts
	MaxInstancesPerType int
	CreateTimeout       time.Duration
	DeleteTimeout       time.Duration

	// Backing processes
	InstanceBinary      string
	ProcessGracePeriod  time.Duration
	ProcessReadyTimeout time.Duration
	CleanupWorkers      int

	// Catalog of MCP types (optional file)
	CatalogPath string

	// Vendor OAuth refresh
	OAuthBrokerURL      string
	OAuthBrokerRPS      float64
	CredentialCacheSkew time.Duration

	// Auth0 configuration (optional)
	Auth0Domain   string
	Auth0Audience string
}

// New creates a new Config instance by loading environment variables
// from .env file (if present) and OS environment.
// OS environment variables take precedence over .env file values.
// Panics if configuration values are invalid.
func New() *Config {
	// Load .env file from the working directory (silently ignore if not found)
	_ = godotenv.Load(filepath.Join(".", ".env"))

	cfg, err := Load()
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Load reads the configuration from the environment without touching .env
// and returns validation problems as an error.
func Load() (*Config, error) {
	var problems []string
	parseInt := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			problems = append(problems, err.Error())
		}
		return v
	}
	parseDuration := func(key string, def time.Duration) time.Duration {
		v, err := getEnvDuration(key, def)
		if err != nil {
			problems = append(problems, err.Error())
		}
		return v
	}

	cfg := &Config{
		Port:     getEnvOrDefault("PORT", "3001"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),

		StoreDriver:            getEnvOrDefault("STORE_DRIVER", DriverSQLite),
		SQLitePath:             getEnvOrDefault("SQLITE_PATH", "mcphost.db"),
		AWSRegion:              getEnvOrDefault("AWS_REGION", "us-east-1"),
		DynamoDBInstancesTable: getEnvOrDefault("DYNAMODB_INSTANCES_TABLE", "McpInstances"),
		DynamoDBTypesTable:     getEnvOrDefault("DYNAMODB_TYPES_TABLE", "McpTypes"),

		PortRangeStart: parseInt("PORT_RANGE_START", 49160),
		PortRangeEnd:   parseInt("PORT_RANGE_END", 49999),

		MaxInstancesPerType: parseInt("MAX_INSTANCES_PER_TYPE", 10),
		CreateTimeout:       parseDuration("CREATE_TIMEOUT", 30*time.Second),
		DeleteTimeout:       parseDuration("DELETE_TIMEOUT", 15*time.Second),

		InstanceBinary:      getEnvOrDefault("INSTANCE_BINARY", "./mcp-instance"),
		ProcessGracePeriod:  parseDuration("PROCESS_GRACE_PERIOD", 3*time.Second),
		ProcessReadyTimeout: parseDuration("PROCESS_READY_TIMEOUT", 10*time.Second),
		CleanupWorkers:      parseInt("CLEANUP_WORKERS", 2),

		CatalogPath: os.Getenv("CATALOG_PATH"),

		OAuthBrokerURL:      os.Getenv("OAUTH_BROKER_URL"),
		CredentialCacheSkew: parseDuration("CREDENTIAL_CACHE_SKEW", 60*time.Second),

		Auth0Domain:   os.Getenv("AUTH0_DOMAIN"),
		Auth0Audience: os.Getenv("AUTH0_AUDIENCE"),
	}

	rps, err := strconv.ParseFloat(getEnvOrDefault("OAUTH_BROKER_RPS", "5"), 64)
	if err != nil {
		problems = append(problems, fmt.Sprintf("OAUTH_BROKER_RPS must be a number: %v", err))
	}
	cfg.OAuthBrokerRPS = rps

	problems = append(problems, cfg.validate()...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %v", problems)
	}
	return cfg, nil
}

// validate checks cross-field constraints
func (c *Config) validate() []string {
	var problems []string

	if c.StoreDriver != DriverSQLite && c.StoreDriver != DriverDynamoDB {
		problems = append(problems, fmt.Sprintf("STORE_DRIVER must be %q or %q (got %q)", DriverSQLite, DriverDynamoDB, c.StoreDriver))
	}
	if c.StoreDriver == DriverSQLite && c.SQLitePath == "" {
		problems = append(problems, "SQLITE_PATH is required for the sqlite driver")
	}

	if c.PortRangeStart < 1 || c.PortRangeStart > 65535 {
		problems = append(problems, fmt.Sprintf("PORT_RANGE_START must be within 1-65535 (got %d)", c.PortRangeStart))
	}
	if c.PortRangeEnd < 1 || c.PortRangeEnd > 65535 {
		problems = append(problems, fmt.Sprintf("PORT_RANGE_END must be within 1-65535 (got %d)", c.PortRangeEnd))
	}
	if c.PortRangeStart > c.PortRangeEnd {
		problems = append(problems, fmt.Sprintf("PORT_RANGE_START (%d) must not exceed PORT_RANGE_END (%d)", c.PortRangeStart, c.PortRangeEnd))
	}

	if c.MaxInstancesPerType < 1 {
		problems = append(problems, "MAX_INSTANCES_PER_TYPE must be at least 1")
	}
	if c.CreateTimeout <= 0 || c.DeleteTimeout <= 0 {
		problems = append(problems, "CREATE_TIMEOUT and DELETE_TIMEOUT must be positive")
	}
	if c.ProcessGracePeriod <= 0 {
		problems = append(problems, "PROCESS_GRACE_PERIOD must be positive")
	}
	if c.CleanupWorkers < 1 {
		problems = append(problems, "CLEANUP_WORKERS must be at least 1")
	}
	if c.OAuthBrokerRPS <= 0 {
		problems = append(problems, "OAUTH_BROKER_RPS must be positive")
	}

	return problems
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s must be an integer (got %q)", key, raw)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s must be a duration like 5s (got %q)", key, raw)
	}
	return v, nil
}

// GetPort returns the server port
func (c *Config) GetPort() string {
	return c.Port
}

// GetLogLevel returns the logging level
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}

// PortRangeSize returns how many ports the pool holds
func (c *Config) PortRangeSize() int {
	return c.PortRangeEnd - c.PortRangeStart + 1
}

// Auth0Enabled reports whether full JWT verification is configured
func (c *Config) Auth0Enabled() bool {
	return c.Auth0Domain != ""
}
