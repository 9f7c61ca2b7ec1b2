package config

import (
	"os"
	"strconv"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DataDir            string
	JwtSecret          string
	OtelEndpoint       string
	MaxContextSize     int64
	MaxRootfsSize      int64
	MaxConcurrentBakes int
	BakeTimeout        time.Duration
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DataDir:            getEnv("DATA_DIR", "/var/lib/kiln"),
		JwtSecret:          getEnv("JWT_SECRET", ""),
		OtelEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		MaxContextSize:     getEnvSize("MAX_CONTEXT_SIZE", 1*datasize.GB),
		MaxRootfsSize:      getEnvSize("MAX_ROOTFS_SIZE", 8*datasize.GB),
		MaxConcurrentBakes: getEnvInt("MAX_CONCURRENT_BAKES", 2),
		BakeTimeout:        getEnvDuration("BAKE_TIMEOUT", 10*time.Minute),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSize(key string, defaultValue datasize.ByteSize) int64 {
	if value := os.Getenv(key); value != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(value)); err == nil {
			return int64(size.Bytes())
		}
	}
	return int64(defaultValue.Bytes())
}
