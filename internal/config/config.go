package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	Address           string
	Environment       string // "development" or "production"
	LogLevel          string
	LogHealthRequests bool

	// Database
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Valkey
	ValkeyURL string

	// NATS
	NATSURL        string // comma-separated server list
	EventRetention time.Duration

	// ID generation
	WorkerID int

	// Argon2 password hashing
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32

	// JWT
	JWTSecret    string
	JWTAccessTTL time.Duration
	RefreshTTL   time.Duration

	// Messages
	MessageMaxLength int

	// Permission cache
	PermCacheTTL time.Duration

	// Gateway
	GatewayHeartbeatInterval time.Duration
	GatewayHeartbeatTimeout  time.Duration
	GatewayIdentifyTimeout   time.Duration
	GatewaySendQueue         int
	GatewayDispatchRate      int
	GatewayReplayWindow      time.Duration
	GatewayReplayLimit       int
	GatewayMaxConnections    int

	// HTTP rate limiting
	RateLimitRequests      int
	RateLimitWindowSeconds int

	// CORS
	CORSAllowOrigins string
}

// Load reads configuration from environment variables with defaults matching .env.example. It returns an error if any
// variable is set but cannot be parsed, or if required values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Address:           envStr("ADDRESS", ":8080"),
		Environment:       envStr("ENVIRONMENT", "production"),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		LogHealthRequests: p.bool("LOG_HEALTH_REQUESTS", true),

		DatabaseURL:     envStr("DATABASE_URL", ""),
		DatabaseMaxConn: p.int("DATABASE_MAX_CONNS", 20),
		DatabaseMinConn: p.int("DATABASE_MIN_CONNS", 5),

		ValkeyURL: envStr("VALKEY_URL", ""),

		NATSURL:        envStr("NATS_URL", ""),
		EventRetention: p.duration("EVENT_RETENTION", 48*time.Hour),

		WorkerID: p.int("WORKER_ID", -1),

		Argon2Memory:      p.uint32("ARGON2_MEMORY", 65536),
		Argon2Iterations:  p.uint32("ARGON2_ITERATIONS", 3),
		Argon2Parallelism: p.uint8("ARGON2_PARALLELISM", 2),
		Argon2SaltLength:  p.uint32("ARGON2_SALT_LENGTH", 16),
		Argon2KeyLength:   p.uint32("ARGON2_KEY_LENGTH", 32),

		JWTSecret:    envStr("JWT_SECRET", ""),
		JWTAccessTTL: p.duration("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:   p.duration("REFRESH_TTL", 720*time.Hour),

		MessageMaxLength: p.int("MESSAGE_MAX_LENGTH", 4000),

		PermCacheTTL: p.duration("PERM_CACHE_TTL", 60*time.Second),

		GatewayHeartbeatInterval: p.duration("GATEWAY_HEARTBEAT_INTERVAL", 45*time.Second),
		GatewayHeartbeatTimeout:  p.duration("GATEWAY_HEARTBEAT_TIMEOUT", 90*time.Second),
		GatewayIdentifyTimeout:   p.duration("GATEWAY_IDENTIFY_TIMEOUT", 30*time.Second),
		GatewaySendQueue:         p.int("GATEWAY_SEND_QUEUE", 1000),
		GatewayDispatchRate:      p.int("GATEWAY_DISPATCH_RATE", 60),
		GatewayReplayWindow:      p.duration("GATEWAY_REPLAY_WINDOW", 5*time.Minute),
		GatewayReplayLimit:       p.int("GATEWAY_REPLAY_LIMIT", 1000),
		GatewayMaxConnections:    p.int("GATEWAY_MAX_CONNECTIONS", 10000),

		RateLimitRequests:      p.int("HTTP_RATE_LIMIT", 120),
		RateLimitWindowSeconds: p.int("HTTP_RATE_WINDOW_SECONDS", 60),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) validate() error {
	var errs []error

	if c.Address == "" {
		errs = append(errs, fmt.Errorf("ADDRESS is required"))
	}
	if c.Environment != "development" && c.Environment != "production" {
		errs = append(errs, fmt.Errorf("ENVIRONMENT must be \"development\" or \"production\", got %q", c.Environment))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.ValkeyURL == "" {
		errs = append(errs, fmt.Errorf("VALKEY_URL is required"))
	}
	if c.NATSURL == "" {
		errs = append(errs, fmt.Errorf("NATS_URL is required"))
	}

	if c.WorkerID < 0 || c.WorkerID > 1023 {
		errs = append(errs, fmt.Errorf("WORKER_ID must be set between 0 and 1023 and be unique per process"))
	}

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}
	if c.JWTAccessTTL < time.Second {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_TTL must be at least 1s"))
	}
	if c.RefreshTTL < time.Second {
		errs = append(errs, fmt.Errorf("REFRESH_TTL must be at least 1s"))
	}

	if c.Argon2Memory == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_MEMORY must be greater than 0"))
	}
	if c.Argon2Iterations == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_ITERATIONS must be greater than 0"))
	}
	if c.Argon2Parallelism == 0 {
		errs = append(errs, fmt.Errorf("ARGON2_PARALLELISM must be greater than 0"))
	}

	if c.MessageMaxLength < 1 {
		errs = append(errs, fmt.Errorf("MESSAGE_MAX_LENGTH must be at least 1"))
	}
	if c.PermCacheTTL < time.Second {
		errs = append(errs, fmt.Errorf("PERM_CACHE_TTL must be at least 1s"))
	}

	if c.GatewayHeartbeatInterval < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL must be at least 1s"))
	}
	if c.GatewayHeartbeatTimeout <= c.GatewayHeartbeatInterval {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_TIMEOUT (%s) must exceed GATEWAY_HEARTBEAT_INTERVAL (%s)", c.GatewayHeartbeatTimeout, c.GatewayHeartbeatInterval))
	}
	if c.GatewayIdentifyTimeout < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_IDENTIFY_TIMEOUT must be at least 1s"))
	}
	if c.GatewaySendQueue < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_SEND_QUEUE must be at least 1"))
	}
	if c.GatewayDispatchRate < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_DISPATCH_RATE must be at least 1"))
	}
	if c.GatewayReplayWindow < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_REPLAY_WINDOW must be at least 1s"))
	}
	if c.GatewayReplayLimit < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_REPLAY_LIMIT must be at least 1"))
	}
	if c.GatewayMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1"))
	}
	if c.EventRetention < c.GatewayReplayWindow {
		errs = append(errs, fmt.Errorf("EVENT_RETENTION (%s) must cover GATEWAY_REPLAY_WINDOW (%s)", c.EventRetention, c.GatewayReplayWindow))
	}

	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Errorf("HTTP_RATE_LIMIT must be at least 1"))
	}
	if c.RateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("HTTP_RATE_WINDOW_SECONDS must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) uint32(key string, fallback uint32) uint32 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 32-bit integer)", key, v))
		return fallback
	}
	return uint32(n)
}

func (p *parser) uint8(key string, fallback uint8) uint8 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected unsigned 8-bit integer)", key, v))
		return fallback
	}
	return uint8(n)
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
