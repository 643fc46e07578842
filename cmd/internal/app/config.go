package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, PARLEY_AUTH_HMAC_KEY MUST be set (>= 32 bytes); the insecure
	// dev verifier is refused.
	RequireAuthHMAC bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Generation backend selection: "ollama" or "script" (dev echo).
	Backend      string
	OllamaURL    string
	Model        string
	SystemPrompt string

	// Backpressure: concurrent generation slots and the bounded wait queue
	// behind them.
	GenConcurrency int
	GenQueueDepth  int

	// Per-turn behavior.
	WindowTurns      int
	MaxRetries       int
	RetryBackoff     time.Duration
	AttemptTimeout   time.Duration
	IncrementTimeout time.Duration
	TurnWatchdog     time.Duration
	CancelGrace      time.Duration

	// Session lifecycle.
	SessionIdleTTL time.Duration
	EvictInterval  time.Duration
	CancelOnDetach bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PARLEY_LOG_LEVEL", "info"),
		LogFormat: EnvString("PARLEY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		RequireAuthHMAC: EnvBool("PARLEY_REQUIRE_AUTH_HMAC", false),

		CORSAllowedOrigins:   EnvCSV("PARLEY_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),

		Backend:      EnvString("PARLEY_BACKEND", "ollama"),
		OllamaURL:    EnvString("PARLEY_OLLAMA_URL", "http://127.0.0.1:11434"),
		Model:        EnvString("PARLEY_MODEL", "llama3.2"),
		SystemPrompt: EnvString("PARLEY_SYSTEM_PROMPT", ""),

		GenConcurrency: EnvInt("PARLEY_GEN_CONCURRENCY", 4),
		GenQueueDepth:  EnvInt("PARLEY_GEN_QUEUE_DEPTH", 32),

		WindowTurns:      EnvInt("PARLEY_WINDOW_TURNS", 20),
		MaxRetries:       EnvInt("PARLEY_TURN_MAX_RETRIES", 2),
		RetryBackoff:     EnvDuration("PARLEY_TURN_RETRY_BACKOFF", 500*time.Millisecond),
		AttemptTimeout:   EnvDuration("PARLEY_TURN_ATTEMPT_TIMEOUT", 2*time.Minute),
		IncrementTimeout: EnvDuration("PARLEY_TURN_INCREMENT_TIMEOUT", 30*time.Second),
		TurnWatchdog:     EnvDuration("PARLEY_TURN_WATCHDOG", 10*time.Minute),
		CancelGrace:      EnvDuration("PARLEY_TURN_CANCEL_GRACE", 5*time.Second),

		SessionIdleTTL: EnvDuration("PARLEY_SESSION_IDLE_TTL", 30*time.Minute),
		EvictInterval:  EnvDuration("PARLEY_SESSION_EVICT_INTERVAL", time.Minute),
		CancelOnDetach: EnvBool("PARLEY_CANCEL_ON_DETACH", false),
	}
}
