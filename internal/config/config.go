package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DBConfig holds database configuration
type DBConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RetryConfig controls retries of transport failures. MaxRetries 0 disables retrying.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds all configuration for the application.
// It has no API credential, callers pass one with each request.
type Config struct {
	AppEnv                string
	ReplicateBaseURL      string
	ModelVersion          string
	DefaultSteps          int
	DefaultImageSize      int
	DefaultNegativePrompt string
	CheckInterval         time.Duration
	MaxAttempts           int
	GenerationTimeout     time.Duration
	HTTPTimeout           time.Duration
	HTTPAddr              string
	OutputDir             string
	Retry                 RetryConfig
	DB                    DBConfig
}

// Load loads the configuration from environment variables, reading .env when present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	env := &envReader{}
	config := &Config{
		AppEnv:                getEnv("APP_ENV", "production"),
		ReplicateBaseURL:      getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
		ModelVersion:          getEnv("STICKER_MODEL_VERSION", "fofr/sticker-maker:4acb778eb059772225ec213948f0660867b2e03f277448f18cf1800b96a65a1a"),
		DefaultSteps:          env.getInt("DEFAULT_STEPS", 20),
		DefaultImageSize:      env.getInt("DEFAULT_IMAGE_SIZE", 768),
		DefaultNegativePrompt: os.Getenv("DEFAULT_NEGATIVE_PROMPT"),
		CheckInterval:         time.Duration(env.getInt("DEFAULT_CHECK_INTERVAL", 1000)) * time.Millisecond,
		MaxAttempts:           env.getInt("DEFAULT_MAX_ATTEMPTS", 300),
		GenerationTimeout:     time.Duration(env.getInt("DEFAULT_GENERATION_TIMEOUT", 300)) * time.Second,
		HTTPTimeout:           time.Duration(env.getInt("HTTP_TIMEOUT", 30)) * time.Second,
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		OutputDir:             getEnv("OUTPUT_DIR", "stickers"),
		Retry: RetryConfig{
			MaxRetries:      env.getInt("RETRY_MAX", 0),
			InitialInterval: time.Duration(env.getInt("RETRY_INITIAL_INTERVAL", 500)) * time.Millisecond,
			MaxInterval:     time.Duration(env.getInt("RETRY_MAX_INTERVAL", 10000)) * time.Millisecond,
		},
	}

	// Load database configuration
	config.DB = DBConfig{
		Host:            os.Getenv("DB_HOST"),
		Port:            env.getInt("DB_PORT", 5432),
		User:            os.Getenv("DB_USER"),
		Password:        os.Getenv("DB_PASSWORD"),
		Database:        os.Getenv("DB_NAME"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    env.getInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    env.getInt("DB_MAX_IDLE_CONNS", 25),
		ConnMaxLifetime: time.Duration(env.getInt("DB_CONN_MAX_LIFETIME", 300)) * time.Second,
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the generation flow cannot work with
func (c *Config) Validate() error {
	if c.DefaultSteps < 10 || c.DefaultSteps > 50 {
		return fmt.Errorf("DEFAULT_STEPS must be between 10 and 50, got %d", c.DefaultSteps)
	}
	switch c.DefaultImageSize {
	case 576, 768, 1152:
	default:
		return fmt.Errorf("DEFAULT_IMAGE_SIZE must be one of 576, 768, 1152, got %d", c.DefaultImageSize)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("DEFAULT_CHECK_INTERVAL must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("DEFAULT_GENERATION_TIMEOUT must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("RETRY_MAX must not be negative")
	}
	return nil
}

// ValidateDB checks the settings needed by commands that use the job queue
func (c *Config) ValidateDB() error {
	if c.DB.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.DB.User == "" {
		return fmt.Errorf("DB_USER is required")
	}
	if c.DB.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.DB.Database == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Database, c.DB.SSLMode)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// envReader collects malformed values instead of falling back to the default silently.
type envReader struct {
	errs []error
}

func (r *envReader) getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	i, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s must be an integer, got %q", key, v))
		return fallback
	}
	return i
}
