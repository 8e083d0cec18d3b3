// Package config loads service configuration from the environment, with
// optional .env file support for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full service configuration tree.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	NATS     NATSConfig
	Auth     AuthConfig
	Approval ApprovalConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig controls the Postgres pool.
type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
}

// NATSConfig controls the notification publisher. An empty URL disables
// publishing entirely.
type NATSConfig struct {
	URL string
}

// AuthConfig controls JWT subject extraction.
type AuthConfig struct {
	JWTSecret string
}

// ApprovalConfig holds engine-level tunables.
type ApprovalConfig struct {
	// RequestTTL is how long a new approval request stays actionable
	// before the external sweep may cancel it. Zero disables expiry.
	RequestTTL time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-bp-approvals"),
			Version:     getEnv("SERVICE_VERSION", "dev"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("HTTP_PORT", 8086),
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    os.Getenv("DB_PASSWORD"),
			Database:    getEnv("DB_NAME", "bp_approvals"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 10)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_CONN_IDLE", 30*time.Minute),
		},
		NATS: NATSConfig{
			URL: os.Getenv("NATS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Approval: ApprovalConfig{
			RequestTTL: getEnvDuration("APPROVAL_REQUEST_TTL", 0),
		},
	}

	if cfg.Auth.JWTSecret == "" && cfg.Service.Environment != "development" {
		return nil, fmt.Errorf("JWT_SECRET is required outside development")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
