package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	QueueServer QueueServerConfig
	Concepts    ConceptConfig
	Cache       CacheConfig
	Redis       RedisConfig
	OTEL        OTELConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	Environment    string
	AllowedOrigins []string
}

// QueueServerConfig holds the upstream queue server connection settings
type QueueServerConfig struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	RetryCount int
}

// ConceptConfig holds the facility-specific vocabulary identifiers
type ConceptConfig struct {
	PriorityConceptSetUUID  string
	ServiceConceptSetUUID   string
	StatusConceptSetUUID    string
	PatientPhotoConceptUUID string
}

// CacheConfig holds read cache tuning
type CacheConfig struct {
	DedupInterval    time.Duration
	FetchTimeout     time.Duration
	ReferenceDataTTL time.Duration
	WarmInterval     time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Environment:    getEnv("APP_ENV", "development"),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
		},
		QueueServer: QueueServerConfig{
			BaseURL:    getEnv("QUEUE_SERVER_URL", "http://localhost:8080/openmrs/ws/rest/v1"),
			Username:   getEnv("QUEUE_SERVER_USERNAME", "admin"),
			Password:   getEnv("QUEUE_SERVER_PASSWORD", ""),
			Timeout:    time.Duration(getEnvAsInt("QUEUE_SERVER_TIMEOUT_SECONDS", 10)) * time.Second,
			RetryCount: getEnvAsInt("QUEUE_SERVER_RETRY_COUNT", 2),
		},
		Concepts: ConceptConfig{
			PriorityConceptSetUUID:  getEnv("PRIORITY_CONCEPT_SET_UUID", ""),
			ServiceConceptSetUUID:   getEnv("SERVICE_CONCEPT_SET_UUID", ""),
			StatusConceptSetUUID:    getEnv("STATUS_CONCEPT_SET_UUID", ""),
			PatientPhotoConceptUUID: getEnv("PATIENT_PHOTO_CONCEPT_UUID", "736e8771-e501-4615-bfa7-570c03f4bef5"),
		},
		Cache: CacheConfig{
			DedupInterval:    time.Duration(getEnvAsInt("CACHE_DEDUP_INTERVAL_MS", 2000)) * time.Millisecond,
			FetchTimeout:     time.Duration(getEnvAsInt("CACHE_FETCH_TIMEOUT_SECONDS", 15)) * time.Second,
			ReferenceDataTTL: time.Duration(getEnvAsInt("REFERENCE_DATA_TTL_SECONDS", 43200)) * time.Second,
			WarmInterval:     time.Duration(getEnvAsInt("CACHE_WARM_INTERVAL_SECONDS", 60)) * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "service-queues"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot start without
func (c *Config) Validate() error {
	if strings.TrimSpace(c.QueueServer.BaseURL) == "" {
		return fmt.Errorf("QUEUE_SERVER_URL is required")
	}
	if c.QueueServer.Timeout <= 0 {
		return fmt.Errorf("QUEUE_SERVER_TIMEOUT_SECONDS must be positive")
	}
	if c.Cache.FetchTimeout <= 0 {
		return fmt.Errorf("CACHE_FETCH_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// Addr returns the listen address of the HTTP server
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
