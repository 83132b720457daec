package edgeguard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
)

// Defaults applied by applySecureDefaults.
const (
	DefaultReadTimeout       = 5 * time.Second
	DefaultSchedulerInterval = 15 * time.Second
	DefaultCleanupInterval   = time.Minute
	DefaultRateLimit         = 50
	DefaultRateLimitBurst    = 100
	DefaultMaxRegistrations  = 10
	DefaultHTTPClientTimeout = 10 * time.Second
)

// Config holds the gateway configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the base URL of the gateway and the OAuth issuer
	Issuer string

	// OAuth configures the authorization server. Its Issuer is taken from
	// Issuer when empty.
	OAuth server.Config

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Replay bounds every anti-replay window
	Replay keystore.ReplayParams

	// SchedulerInterval is how often the purge and rotation scheduler ticks
	// Default: 15 seconds
	SchedulerInterval time.Duration

	// AlertInterval is how often the risk alert monitor samples the score
	// Default: 3 seconds
	AlertInterval time.Duration

	// CleanupInterval is how often to cleanup expired tokens
	// Default: 1 minute
	CleanupInterval time.Duration

	// ReadTimeout bounds reading one request
	// Default: 5 seconds
	ReadTimeout time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// Random is the key material source. Nil selects the system CSPRNG.
	Random keystore.RandomProvider

	// Clock overrides the time source (tests)
	Clock func() time.Time

	// HTTPClient delivers risk alerts
	// If not provided, a client with a 10 second timeout is used
	HTTPClient *http.Client

	// Instrumentation configures metrics and tracing
	Instrumentation instrumentation.Config
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Negative disables limiting.
	// Default: 50
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	// Default: 100
	Burst int

	// MaxEntries bounds the number of tracked addresses.
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the gateway.
	TrustedProxyCount int
}

// SecurityConfig holds gateway security settings (secure by default)
type SecurityConfig struct {
	// GuardKeyID names the key that signs operator and webhook requests.
	// Default: "auth_hmac"
	GuardKeyID string

	// GuardKeyHex seeds the guard key. A random key is generated when empty.
	GuardKeyHex string

	// InsecureLengthDigest signs only the body length instead of its hash.
	// WARNING: bodies can be swapped without invalidating the signature.
	InsecureLengthDigest bool

	// AllowInsecureRNG permits a non-cryptographic Random provider.
	// WARNING: only for deterministic tests.
	AllowInsecureRNG bool

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// SealingKey is the AES-256 key (32 bytes) used to seal exported key
	// material. Nil exports plain hex. Generate with security.GenerateSealingKey().
	SealingKey []byte

	// MaxRegistrationsPerHour limits operator client registrations per IP.
	// Default: 10
	MaxRegistrationsPerHour int

	// InboundPolicy is the initial inspection policy. Nil selects
	// security.DefaultInboundPolicy.
	InboundPolicy *security.InboundPolicy

	// Guards are installed on top of the builtin guards.
	Guards []security.GuardConfig
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Issuer == "" {
		config.Issuer = "http://localhost:8080"
	}
	if config.OAuth.Issuer == "" {
		config.OAuth.Issuer = config.Issuer
	}

	if config.RateLimit.Rate == 0 {
		config.RateLimit.Rate = DefaultRateLimit
	}
	if config.RateLimit.Burst == 0 {
		config.RateLimit.Burst = DefaultRateLimitBurst
	}
	if config.RateLimit.MaxEntries == 0 {
		config.RateLimit.MaxEntries = security.DefaultRateLimitEntries
	}

	if config.Security.GuardKeyID == "" {
		config.Security.GuardKeyID = security.DefaultGuardKeyID
	}
	if config.Security.MaxRegistrationsPerHour == 0 {
		config.Security.MaxRegistrationsPerHour = DefaultMaxRegistrations
	}

	if config.Replay == (keystore.ReplayParams{}) {
		config.Replay = keystore.DefaultReplayParams()
	}
	config.Replay = config.Replay.Clamp()

	if config.SchedulerInterval == 0 {
		config.SchedulerInterval = DefaultSchedulerInterval
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultHTTPClientTimeout}
	}
	if config.Random == nil {
		config.Random = keystore.NewSystemProvider()
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.RateLimit.Rate < 0 {
		logger.Warn("SECURITY WARNING: Per-IP rate limiting is DISABLED",
			"risk", "Request floods reach the signature and OAuth layers",
			"recommendation", "Set a positive RateLimit.Rate")
	}
	if config.RateLimit.TrustProxy {
		logger.Warn("SECURITY WARNING: Forwarding headers are TRUSTED",
			"risk", "Clients can spoof their address unless a proxy overwrites X-Forwarded-For",
			"recommendation", "Only enable behind a trusted reverse proxy",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount)
	}
	if !config.Random.Secure() {
		logger.Warn("SECURITY WARNING: Non-cryptographic random provider in use",
			"risk", "Generated keys are predictable",
			"recommendation", "Use the system provider outside tests",
			"provider", config.Random.Name())
	}
	if config.Security.GuardKeyHex == "" {
		logger.Info("No guard key configured, generating one",
			"key_id", config.Security.GuardKeyID,
			"recommendation", "Export it with consent or configure EDGEGUARD_GUARD_KEY_HEX")
	}
	if !config.Security.EnableAuditLogging {
		logger.Warn("SECURITY WARNING: Audit logging is DISABLED",
			"risk", "Signature failures and key operations leave no audit trail",
			"recommendation", "Set EnableAuditLogging=true")
	}
}
