// Package config содержит логику чтения конфигурации сервиса талонов.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrNoStorage возвращается, если не задано ни DATABASE_URI, ни BOLT_PATH.
var ErrNoStorage = errors.New("either DATABASE_URI or BOLT_PATH must be set")

// Config содержит параметры конфигурации сервиса талонов.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	BoltPath      string        `env:"BOLT_PATH"`
	RosterURL     string        `env:"ROSTER_URL"`
	SyncInterval  time.Duration `env:"SYNC_INTERVAL"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	AdminLogin    string        `env:"ADMIN_LOGIN" envDefault:"admin"`
	AdminPassword string        `env:"ADMIN_PASSWORD"`
	SecretKey     string        `env:"SECRET_KEY"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envBoltPath := cfg.BoltPath
	envRosterURL := cfg.RosterURL
	envSyncInterval := cfg.SyncInterval
	envRedisAddr := cfg.RedisAddr

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.BoltPath, "b", "", "bolt database file, used when no database URI is set")
	flag.StringVar(&cfg.RosterURL, "s", "", "roster endpoint URL")
	flag.DurationVar(&cfg.SyncInterval, "i", 0, "roster sync interval, 0 disables periodic sync")
	flag.StringVar(&cfg.RedisAddr, "c", "", "redis address for the roster sync lock")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envBoltPath != "" {
		cfg.BoltPath = envBoltPath
	}
	if envRosterURL != "" {
		cfg.RosterURL = envRosterURL
	}
	if envSyncInterval != 0 {
		cfg.SyncInterval = envSyncInterval
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.DatabaseURI == "" && cfg.BoltPath == "" {
		return nil, ErrNoStorage
	}

	if cfg.SecretKey == "" {
		key, err := randomKey()
		if err != nil {
			return nil, fmt.Errorf("generate secret key: %w", err)
		}
		cfg.SecretKey = key
	}

	return cfg, nil
}

func randomKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
