package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port         int
	MasterSecret string
	GinMode      string
	TLSCertFile  string
	TLSKeyFile   string
	TokenExpiry  time.Duration

	// BusDriver and StoreDriver select the deployment shape: "memory" keeps
	// everything in-process, "redis"/"postgres" let multiple nodes share the
	// registry and the polling chain.
	BusDriver   string
	StoreDriver string
	RedisURL    string
	PostgresDSN string

	ContinuationTopic string
	DeliveryTopic     string

	ConnectionTTL time.Duration
	PageTTL       time.Duration

	GoogleClientID     string
	GoogleClientSecret string
	YouTubeAPIBaseURL  string
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

func LoadConfig() (Config, error) {
	return LoadConfigFromEnv(osEnv{})
}

func LoadConfigFromEnv(env Env) (Config, error) {
	cfg := Config{
		Port:              3000,
		GinMode:           "release",
		TokenExpiry:       7 * 24 * time.Hour,
		BusDriver:         "memory",
		StoreDriver:       "memory",
		ContinuationTopic: "livechat.continuation",
		DeliveryTopic:     "livechat.delivery",
		ConnectionTTL:     6 * time.Hour,
		PageTTL:           24 * time.Hour,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return Config{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return Config{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")

	if raw := env.Getenv("TOKEN_EXPIRY_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid TOKEN_EXPIRY_SECONDS")
		}
		cfg.TokenExpiry = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("BUS_DRIVER"); raw != "" {
		if raw != "memory" && raw != "redis" {
			return Config{}, fmt.Errorf("invalid BUS_DRIVER %q", raw)
		}
		cfg.BusDriver = raw
	}

	if raw := env.Getenv("STORE_DRIVER"); raw != "" {
		if raw != "memory" && raw != "redis" && raw != "postgres" {
			return Config{}, fmt.Errorf("invalid STORE_DRIVER %q", raw)
		}
		cfg.StoreDriver = raw
	}

	cfg.RedisURL = env.Getenv("REDIS_URL")
	if (cfg.BusDriver == "redis" || cfg.StoreDriver == "redis") && cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL is required for the redis driver")
	}

	cfg.PostgresDSN = env.Getenv("POSTGRES_DSN")
	if cfg.StoreDriver == "postgres" && cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required for the postgres driver")
	}

	if raw := env.Getenv("CONTINUATION_TOPIC"); raw != "" {
		cfg.ContinuationTopic = raw
	}
	if raw := env.Getenv("DELIVERY_TOPIC"); raw != "" {
		cfg.DeliveryTopic = raw
	}

	if raw := env.Getenv("CONNECTION_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid CONNECTION_TTL_SECONDS")
		}
		cfg.ConnectionTTL = time.Duration(seconds) * time.Second
	}

	if raw := env.Getenv("PAGE_TTL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid PAGE_TTL_SECONDS")
		}
		cfg.PageTTL = time.Duration(seconds) * time.Second
	}

	cfg.GoogleClientID = env.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = env.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.YouTubeAPIBaseURL = env.Getenv("YOUTUBE_API_BASE_URL")

	return cfg, nil
}
