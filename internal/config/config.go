package config

import (
	"fmt"
	"os"
	"strconv"
)

const (
	defaultHTTPPort           = "8080"
	defaultServiceName        = "be-me-approvals"
	defaultEnvironment        = "development"
	defaultLogLevel           = "info"
	defaultShutdownTimeoutSec = 15
	defaultRequestTimeoutSec  = 30
	defaultStatusWriteRetries = 3
	defaultDBMaxConns         = 10
	defaultDBMinConns         = 2
)

type Config struct {
	ServiceName        string
	Environment        string
	HTTPPort           string
	LogLevel           string
	PostgresDSN        string
	DBMaxConns         int
	DBMinConns         int
	NATSURL            string
	ShutdownTimeoutSec int
	RequestTimeoutSec  int
	StatusWriteRetries int
}

func Load() (Config, error) {
	cfg := Config{
		ServiceName:        getenv("SERVICE_NAME", defaultServiceName),
		Environment:        getenv("ENVIRONMENT", defaultEnvironment),
		HTTPPort:           getenv("HTTP_PORT", defaultHTTPPort),
		LogLevel:           getenv("LOG_LEVEL", defaultLogLevel),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		DBMaxConns:         getenvInt("DB_MAX_CONNS", defaultDBMaxConns),
		DBMinConns:         getenvInt("DB_MIN_CONNS", defaultDBMinConns),
		NATSURL:            os.Getenv("NATS_URL"),
		ShutdownTimeoutSec: getenvInt("SHUTDOWN_TIMEOUT_SEC", defaultShutdownTimeoutSec),
		RequestTimeoutSec:  getenvInt("REQUEST_TIMEOUT_SEC", defaultRequestTimeoutSec),
		StatusWriteRetries: getenvInt("STATUS_WRITE_RETRIES", defaultStatusWriteRetries),
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required")
	}

	return cfg, nil
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
