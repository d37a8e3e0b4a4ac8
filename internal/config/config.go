// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the matchmaking service. Each field documents its
// environment variable and default; see Load.
type Config struct {
	// Server
	Port string // PORT, default "8080"

	// Storage
	DatabaseURL string // DATABASE_URL
	RedisAddr   string // REDIS_ADDR, default "localhost:6379"
	RedisDB     int    // REDIS_DB, default 0

	// Retry manager
	InitialTimeout          time.Duration // MM_INITIAL_TIMEOUT, default 10s
	MaxTimeout              time.Duration // MM_MAX_TIMEOUT, default 60s
	RetryMultiplier         float64       // MM_RETRY_MULTIPLIER, default 1.5
	MaxRetries              int           // MM_MAX_RETRIES, default 10
	DefaultMaxWait          time.Duration // MM_MAX_WAIT, default 5m
	JitterFraction          float64       // MM_JITTER_FRACTION, default 0.1
	SweepInterval           time.Duration // MM_SWEEP_INTERVAL, default 30s
	GracePeriod             time.Duration // MM_SWEEP_GRACE, default 30s
	MaxSessions             int           // MM_MAX_SESSIONS, default 5000
	CongestionHighWaterMark int           // MM_CONGESTION_HIGH, default 1000
	CongestionLowWaterMark  int           // MM_CONGESTION_LOW, default 50
	CongestionScaleUp       float64       // MM_CONGESTION_SCALE_UP, default 1.5
	CongestionScaleDown     float64       // MM_CONGESTION_SCALE_DOWN, default 0.75
	BaseToleranceScore      float64       // MM_BASE_TOLERANCE, default 10
	ToleranceStep           float64       // MM_TOLERANCE_STEP, default 5
	MaxTolerance            float64       // MM_TOLERANCE_MAX, default 50

	// Pool query cache
	CacheTTL             time.Duration // POOL_CACHE_TTL, default 3s
	MaxCacheSize         int           // POOL_MAX_CACHE_SIZE, default 500
	ActiveWorkingSetSize int           // POOL_ACTIVE_SET_SIZE, default 200
	ActiveWindow         time.Duration // POOL_ACTIVE_WINDOW, default 30s
	PoolEntryTTL         time.Duration // POOL_ENTRY_TTL, default 5m; idle shared entries expire after this

	// Trust score engine
	BaseScore        float64       // TRUST_BASE_SCORE, default 50
	ExperienceGames  float64       // TRUST_EXPERIENCE_GAMES, default 50
	FallbackBaseline float64       // TRUST_FALLBACK_BASELINE, default 0.3
	BaselineRefresh  time.Duration // TRUST_BASELINE_REFRESH, default 1m

	// API
	EnqueueRPS   float64 // ENQUEUE_RPS, default 1
	EnqueueBurst int     // ENQUEUE_BURST, default 3

	// Auth; with no key paths a key pair is generated at startup
	TokenExpire       string // TOKEN_EXPIRE_TIME, default "72h" ("never" disables expiry)
	JWTPrivateKeyPath string // JWT_PRIVATE_KEY_PATH
	JWTPublicKeyPath  string // JWT_PUBLIC_KEY_PATH

	// Historian
	OutcomeQueue      string        // OUTCOME_QUEUE_NAME, default "trustmatch_outcomes"
	HistorianBatch    int           // HISTORIAN_BATCH_SIZE, default 20
	HistorianFlush    time.Duration // HISTORIAN_FLUSH, default 500ms
	HistorianPopBlock time.Duration // HISTORIAN_POP_BLOCK, default 3s
}

// Load reads a .env file if present, then builds a Config from the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/trustmatch?sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		InitialTimeout:          getEnvDuration("MM_INITIAL_TIMEOUT", 10*time.Second),
		MaxTimeout:              getEnvDuration("MM_MAX_TIMEOUT", 60*time.Second),
		RetryMultiplier:         getEnvFloat("MM_RETRY_MULTIPLIER", 1.5),
		MaxRetries:              getEnvInt("MM_MAX_RETRIES", 10),
		DefaultMaxWait:          getEnvDuration("MM_MAX_WAIT", 5*time.Minute),
		JitterFraction:          getEnvFloat("MM_JITTER_FRACTION", 0.1),
		SweepInterval:           getEnvDuration("MM_SWEEP_INTERVAL", 30*time.Second),
		GracePeriod:             getEnvDuration("MM_SWEEP_GRACE", 30*time.Second),
		MaxSessions:             getEnvInt("MM_MAX_SESSIONS", 5000),
		CongestionHighWaterMark: getEnvInt("MM_CONGESTION_HIGH", 1000),
		CongestionLowWaterMark:  getEnvInt("MM_CONGESTION_LOW", 50),
		CongestionScaleUp:       getEnvFloat("MM_CONGESTION_SCALE_UP", 1.5),
		CongestionScaleDown:     getEnvFloat("MM_CONGESTION_SCALE_DOWN", 0.75),
		BaseToleranceScore:      getEnvFloat("MM_BASE_TOLERANCE", 10),
		ToleranceStep:           getEnvFloat("MM_TOLERANCE_STEP", 5),
		MaxTolerance:            getEnvFloat("MM_TOLERANCE_MAX", 50),

		CacheTTL:             getEnvDuration("POOL_CACHE_TTL", 3*time.Second),
		MaxCacheSize:         getEnvInt("POOL_MAX_CACHE_SIZE", 500),
		ActiveWorkingSetSize: getEnvInt("POOL_ACTIVE_SET_SIZE", 200),
		ActiveWindow:         getEnvDuration("POOL_ACTIVE_WINDOW", 30*time.Second),
		PoolEntryTTL:         getEnvDuration("POOL_ENTRY_TTL", 5*time.Minute),

		BaseScore:        getEnvFloat("TRUST_BASE_SCORE", 50),
		ExperienceGames:  getEnvFloat("TRUST_EXPERIENCE_GAMES", 50),
		FallbackBaseline: getEnvFloat("TRUST_FALLBACK_BASELINE", 0.3),
		BaselineRefresh:  getEnvDuration("TRUST_BASELINE_REFRESH", time.Minute),

		EnqueueRPS:   getEnvFloat("ENQUEUE_RPS", 1),
		EnqueueBurst: getEnvInt("ENQUEUE_BURST", 3),

		TokenExpire:       getEnv("TOKEN_EXPIRE_TIME", "72h"),
		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", ""),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", ""),

		OutcomeQueue:      getEnv("OUTCOME_QUEUE_NAME", "trustmatch_outcomes"),
		HistorianBatch:    getEnvInt("HISTORIAN_BATCH_SIZE", 20),
		HistorianFlush:    getEnvDuration("HISTORIAN_FLUSH", 500*time.Millisecond),
		HistorianPopBlock: getEnvDuration("HISTORIAN_POP_BLOCK", 3*time.Second),
	}
}

// Validate rejects combinations that cannot produce a working matchmaker.
func (c *Config) Validate() error {
	switch {
	case c.InitialTimeout <= 0:
		return fmt.Errorf("MM_INITIAL_TIMEOUT must be positive, got %v", c.InitialTimeout)
	case c.MaxTimeout < c.InitialTimeout:
		return fmt.Errorf("MM_MAX_TIMEOUT (%v) must be >= MM_INITIAL_TIMEOUT (%v)", c.MaxTimeout, c.InitialTimeout)
	case c.RetryMultiplier < 1:
		return fmt.Errorf("MM_RETRY_MULTIPLIER must be >= 1, got %v", c.RetryMultiplier)
	case c.MaxRetries <= 0:
		return fmt.Errorf("MM_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	case c.JitterFraction < 0 || c.JitterFraction > 0.1:
		return fmt.Errorf("MM_JITTER_FRACTION must be within [0, 0.1], got %v", c.JitterFraction)
	case c.CongestionLowWaterMark > c.CongestionHighWaterMark:
		return fmt.Errorf("MM_CONGESTION_LOW (%d) exceeds MM_CONGESTION_HIGH (%d)", c.CongestionLowWaterMark, c.CongestionHighWaterMark)
	case c.CacheTTL <= 0:
		return fmt.Errorf("POOL_CACHE_TTL must be positive, got %v", c.CacheTTL)
	case c.MaxCacheSize <= 0 || c.ActiveWorkingSetSize <= 0:
		return fmt.Errorf("pool cache sizes must be positive")
	case float64(c.PoolEntryTTL) <= 2*float64(c.MaxTimeout)*max(1, c.CongestionScaleUp):
		// a live searcher refreshes its entry once per retry, which congestion can stretch
		return fmt.Errorf("POOL_ENTRY_TTL (%v) must exceed twice the congested MM_MAX_TIMEOUT", c.PoolEntryTTL)
	case c.EnqueueRPS <= 0 || c.EnqueueBurst <= 0:
		return fmt.Errorf("ENQUEUE_RPS and ENQUEUE_BURST must be positive")
	case c.FallbackBaseline <= 0 || c.FallbackBaseline >= 1:
		return fmt.Errorf("TRUST_FALLBACK_BASELINE must be within (0, 1), got %v", c.FallbackBaseline)
	}
	return nil
}

// getEnv is a helper to read an environment variable or return a default value.
func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// getEnvInt is a helper to parse an environment variable as integer, else a default value.
func getEnvInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func getEnvFloat(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

// getEnvDuration accepts Go duration strings ("1m30s") or a bare number of seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
