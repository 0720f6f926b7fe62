// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultCategories are the document areas served when CATEGORIES is unset.
var DefaultCategories = []string{
	"licenses-tradelicenses-ifa",
	"licenses-tradelicenses-dm",
	"licenses-staffmedicals-vaccinerecords",
	"licenses-staffmedicals-healthcards",
	"hse-records",
	"vehicles-majorparts",
	"vehicles-registration",
}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata ("bolt" or "postgres", default: "bolt")
	MetadataBackend string
	BoltPath        string
	DatabaseURL     string
	MigrationsDir   string

	// Storage backend ("local", "s3" or "azure", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Azure Blob storage
	AzureConnectionString string
	AzureContainer        string

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Uploads
	MaxImageSize    int64
	MaxDocumentSize int64
	Categories      []string

	// Per-user requests per minute, 0 = unlimited
	RateLimitRPM int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:           envOr("METRICS_ADDR", ":9090"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		MetadataBackend:       envOr("METADATA_BACKEND", "bolt"),
		BoltPath:              envOr("BOLT_PATH", "/data/muawin.db"),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		MigrationsDir:         envOr("MIGRATIONS_DIR", "migrations"),
		StorageBackend:        envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:      envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:            envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:              envOr("S3_BUCKET", "muawin"),
		S3AccessKey:           envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:           envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:              envOr("S3_REGION", "us-east-1"),
		S3UseSSL:              envBool("S3_USE_SSL", false),
		AzureConnectionString: envOr("AZURE_CONNECTION_STRING", ""),
		AzureContainer:        envOr("AZURE_CONTAINER", "muawin"),
		TLSCertFile:           envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:            envOr("TLS_KEY_FILE", ""),
		JWTSecret:             envOr("JWT_SECRET", ""),
		MaxImageSize:          envInt64("MAX_IMAGE_SIZE", 10*1024*1024),    // 10MB
		MaxDocumentSize:       envInt64("MAX_DOCUMENT_SIZE", 50*1024*1024), // 50MB
		Categories:            envList("CATEGORIES", DefaultCategories),
		RateLimitRPM:          envInt("RATE_LIMIT_RPM", 0),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.MetadataBackend {
	case "bolt":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres metadata backend")
		}
	default:
		return nil, fmt.Errorf("unknown METADATA_BACKEND %q", cfg.MetadataBackend)
	}
	if cfg.StorageBackend == "azure" && cfg.AzureConnectionString == "" {
		return nil, fmt.Errorf("AZURE_CONNECTION_STRING is required for the azure storage backend")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

// envList splits a comma-separated variable, dropping empty items.
func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
