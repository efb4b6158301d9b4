package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all MTA configuration
type Config struct {
	SMTP      SMTPConfig
	Delivery  DeliveryConfig
	Storage   StorageConfig
	Status    StatusConfig
	Directory DirectoryConfig
	Database  DatabaseConfig
	Events    EventsConfig
	Logging   LoggingConfig
	Admin     AdminConfig
}

// SMTPConfig holds reception engine configuration
type SMTPConfig struct {
	Domain              string        `validate:"required,hostname_rfc1123"`
	Port                int           `validate:"min=0,max=65535"`
	TLSPort             int           `validate:"min=0,max=65535"`
	TLSEnabled          bool
	TLSCertFile         string        `validate:"required_if=TLSEnabled true"`
	TLSKeyFile          string        `validate:"required_if=TLSEnabled true"`
	IdleTimeout         time.Duration `validate:"min=1s"`
	MaxMessageSize      int64         `validate:"min=1024"`
	MaxRecipients       int           `validate:"min=1"`
	MaxConnections      int           `validate:"min=1"`
	MaxConnectionsPerIP int           `validate:"min=1"`
	RateLimitPerMinute  int           `validate:"min=1"`
}

// DeliveryConfig holds outbound delivery configuration
type DeliveryConfig struct {
	Port        int `validate:"min=1,max=65535"`
	DNSServer   string
	DialTimeout time.Duration
	Timeout     time.Duration
	MXCacheTTL  time.Duration
}

// StorageConfig holds message store configuration
type StorageConfig struct {
	Backend            string `validate:"oneof=file s3"`
	Root               string `validate:"required_if=Backend file"`
	Endpoint           string `validate:"required_if=Backend s3"`
	Region             string
	Bucket             string `validate:"required_if=Backend s3"`
	AccessKeyID        string
	SecretAccessKey    string
	UseSSL             bool
	PresignedURLExpiry time.Duration

	// Retention removes messages older than this; zero keeps them forever
	Retention         time.Duration `validate:"min=0"`
	RetentionInterval time.Duration
}

// StatusConfig holds status tracker configuration
type StatusConfig struct {
	Backend    string `validate:"oneof=memory badger postgres"`
	BadgerPath string `validate:"required_if=Backend badger"`
}

// DirectoryConfig holds credential directory configuration
type DirectoryConfig struct {
	Backend     string `validate:"oneof=static postgres"`
	StaticUsers string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// EventsConfig holds notification sink configuration
type EventsConfig struct {
	BufferSize   int `validate:"min=1"`
	AMQPURL      string
	AMQPExchange string
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Level     string `validate:"oneof=debug info warn warning error"`
	Format    string `validate:"oneof=json text"`
	Output    string
	AddSource bool
}

// AdminConfig holds the metrics/health HTTP listener configuration
type AdminConfig struct {
	Addr string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		SMTP: SMTPConfig{
			Domain:              getEnv("SMTP_DOMAIN", "localhost"),
			Port:                getIntEnv("SMTP_PORT", 25),
			TLSPort:             getIntEnv("SMTP_TLS_PORT", 465),
			TLSEnabled:          getBoolEnv("SMTP_TLS_ENABLED", false),
			TLSCertFile:         getEnv("SMTP_TLS_CERT_FILE", ""),
			TLSKeyFile:          getEnv("SMTP_TLS_KEY_FILE", ""),
			IdleTimeout:         getDurationEnv("SMTP_IDLE_TIMEOUT", 300*time.Second),
			MaxMessageSize:      int64(getIntEnv("SMTP_MAX_MESSAGE_SIZE", 52428800)),
			MaxRecipients:       getIntEnv("SMTP_MAX_RECIPIENTS", 100),
			MaxConnections:      getIntEnv("SMTP_MAX_CONNECTIONS", 100),
			MaxConnectionsPerIP: getIntEnv("SMTP_MAX_CONNECTIONS_PER_IP", 10),
			RateLimitPerMinute:  getIntEnv("SMTP_RATE_LIMIT_PER_MINUTE", 60),
		},
		Delivery: DeliveryConfig{
			Port:        getIntEnv("DELIVERY_PORT", 25),
			DNSServer:   getEnv("DELIVERY_DNS_SERVER", ""),
			DialTimeout: getDurationEnv("DELIVERY_DIAL_TIMEOUT", 30*time.Second),
			Timeout:     getDurationEnv("DELIVERY_TIMEOUT", 10*time.Minute),
			MXCacheTTL:  getDurationEnv("DELIVERY_MX_CACHE_TTL", 10*time.Minute),
		},
		Storage: StorageConfig{
			Backend:            getEnv("STORAGE_BACKEND", "file"),
			Root:               getEnv("STORAGE_ROOT", "data/mail"),
			Endpoint:           getEnv("S3_ENDPOINT", ""),
			Region:             getEnv("S3_REGION", "us-east-1"),
			Bucket:             getEnv("S3_BUCKET", ""),
			AccessKeyID:        getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
			UseSSL:             getBoolEnv("S3_USE_SSL", true),
			PresignedURLExpiry: getDurationEnv("S3_PRESIGNED_URL_EXPIRY", 15*time.Minute),
			Retention:          getDurationEnv("STORAGE_RETENTION", 0),
			RetentionInterval:  getDurationEnv("STORAGE_RETENTION_INTERVAL", time.Hour),
		},
		Status: StatusConfig{
			Backend:    getEnv("STATUS_BACKEND", "memory"),
			BadgerPath: getEnv("STATUS_BADGER_PATH", "data/status"),
		},
		Directory: DirectoryConfig{
			Backend:     getEnv("DIRECTORY_BACKEND", "static"),
			StaticUsers: getEnv("DIRECTORY_STATIC_USERS", ""),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "tempmail_mta"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Events: EventsConfig{
			BufferSize:   getIntEnv("EVENTS_BUFFER_SIZE", 1000),
			AMQPURL:      getEnv("EVENTS_AMQP_URL", ""),
			AMQPExchange: getEnv("EVENTS_AMQP_EXCHANGE", "mail.events"),
		},
		Logging: LoggingConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			Output:    getEnv("LOG_OUTPUT", "stdout"),
			AddSource: getBoolEnv("LOG_ADD_SOURCE", false),
		},
		Admin: AdminConfig{
			Addr: getEnv("ADMIN_ADDR", ":9090"),
		},
	}
}

var validate = validator.New()

// Validate checks the configuration and reports every invalid field at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// URL returns the PostgreSQL connection URL used by database/sql drivers
func (d *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go duration syntax ("90s", "5m") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
