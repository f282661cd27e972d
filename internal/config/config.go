package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL         MySQLConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CA            CAConfig
	AgentAuth     AgentAuthConfig
	Liveness      LivenessConfig
	TimeoutSweep  TimeoutSweepConfig
	Migrate       bool
	HTTPAddr      string
	DeploymentDir string
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds operator token configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// CAConfig holds certificate authority configuration
type CAConfig struct {
	KeySize      int
	ValidityDays int
}

// AgentAuthConfig holds agent authentication configuration.
// HeaderEnabled allows the thumbprint to be read from a request header when
// no transport-level client certificate is present. This is a same-host
// development convenience and must be disabled in hardened deployments.
type AgentAuthConfig struct {
	HeaderName    string
	HeaderEnabled bool
}

// LivenessConfig holds agent liveness projection configuration
type LivenessConfig struct {
	OfflineThresholdSec int
}

// TimeoutSweepConfig holds the stale-task sweep configuration
type TimeoutSweepConfig struct {
	Enabled     bool
	IntervalSec int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "fleetd"),
		},
		CA: CAConfig{
			KeySize:      getEnvInt("CA_KEY_SIZE", 2048),
			ValidityDays: getEnvInt("CA_VALIDITY_DAYS", 60),
		},
		AgentAuth: AgentAuthConfig{
			HeaderName:    getEnv("AGENT_CERT_HEADER", "X-Client-Certificate-Thumbprint"),
			HeaderEnabled: getEnv("AGENT_CERT_HEADER_ENABLED", "1") == "1",
		},
		Liveness: LivenessConfig{
			OfflineThresholdSec: getEnvInt("AGENT_OFFLINE_THRESHOLD_SEC", 300),
		},
		TimeoutSweep: TimeoutSweepConfig{
			Enabled:     getEnv("TIMEOUT_SWEEP_ENABLED", "1") == "1",
			IntervalSec: getEnvInt("TIMEOUT_SWEEP_INTERVAL_SEC", 60),
		},
		Migrate:       getEnv("MIGRATE", "0") == "1",
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		DeploymentDir: getEnv("DEPLOYMENTS_PATH", "deployments"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromINI loads configuration from an INI file with environment
// variable override (priority: ENV > INI > default).
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "fleetd"),
		},
		CA: CAConfig{
			KeySize:      getValueInt("CA_KEY_SIZE", "ca", "key_size", 2048),
			ValidityDays: getValueInt("CA_VALIDITY_DAYS", "ca", "validity_days", 60),
		},
		AgentAuth: AgentAuthConfig{
			HeaderName:    getValue("AGENT_CERT_HEADER", "agent_auth", "header_name", "X-Client-Certificate-Thumbprint"),
			HeaderEnabled: getValueBool("AGENT_CERT_HEADER_ENABLED", "agent_auth", "header_enabled", true),
		},
		Liveness: LivenessConfig{
			OfflineThresholdSec: getValueInt("AGENT_OFFLINE_THRESHOLD_SEC", "liveness", "offline_threshold_sec", 300),
		},
		TimeoutSweep: TimeoutSweepConfig{
			Enabled:     getValueBool("TIMEOUT_SWEEP_ENABLED", "timeout_sweep", "enabled", true),
			IntervalSec: getValueInt("TIMEOUT_SWEEP_INTERVAL_SEC", "timeout_sweep", "interval_sec", 60),
		},
		Migrate:       getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr:      getValue("HTTP_ADDR", "http", "addr", ":8080"),
		DeploymentDir: getValue("DEPLOYMENTS_PATH", "deployments", "path", "deployments"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("MYSQL_DSN is required")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.CA.ValidityDays <= 0 {
		return fmt.Errorf("CA_VALIDITY_DAYS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
