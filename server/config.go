package server

import (
	"log/slog"

	"golang.org/x/crypto/bcrypt"
)

// Default lifetimes in seconds.
const (
	DefaultAuthorizationCodeTTL = 600
	DefaultAccessTokenTTL       = 3600
	DefaultRefreshTokenTTL      = 30 * 24 * 3600
	DefaultIDTokenTTL           = 3600

	// DefaultIDTokenKeyID is the key store entry ID tokens are signed with.
	DefaultIDTokenKeyID = "oauth2_id_token"

	// DefaultAdaptationHistorySize caps the adaptation history.
	DefaultAdaptationHistorySize = 1000
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// IDTokenTTL is how long ID tokens are valid
	IDTokenTTL int64 // seconds, default: 3600 (1 hour)

	// BcryptCost is the cost used to hash client secrets
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// RequirePKCE makes code_challenge mandatory on authorization requests.
	// PKCE is optional by default and verified whenever a challenge is sent.
	RequirePKCE bool // default: false

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// AllowInsecureHTTP allows plain http redirect URIs and issuers on
	// non-loopback hosts.
	// WARNING: Only for isolated test environments
	// Default: false
	AllowInsecureHTTP bool

	// IDTokenKeyID names the key store entry used to sign ID tokens
	// Default: "oauth2_id_token"
	IDTokenKeyID string

	// TightenThreshold is the overall risk at or above which a client's
	// policy is tightened. Default: 70
	TightenThreshold int

	// RelaxThreshold is the overall risk at or below which a client's
	// policy is relaxed. Default: 30
	RelaxThreshold int

	// AdaptationHistorySize caps the number of remembered adaptations
	// Default: 1000
	AdaptationHistorySize int

	// SupportedScopes are advertised in the discovery document
	SupportedScopes []string
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyAdaptiveDefaults(config)

	if config.Issuer == "" {
		config.Issuer = "http://localhost:8080"
	}
	if config.IDTokenKeyID == "" {
		config.IDTokenKeyID = DefaultIDTokenKeyID
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = []string{"openid", "profile", "email", "read", "write", "offline_access"}
	}

	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.IDTokenTTL == 0 {
		config.IDTokenTTL = DefaultIDTokenTTL
	}
}

func applyAdaptiveDefaults(config *Config) {
	if config.TightenThreshold == 0 {
		config.TightenThreshold = 70
	}
	if config.RelaxThreshold == 0 {
		config.RelaxThreshold = 30
	}
	if config.AdaptationHistorySize <= 0 {
		config.AdaptationHistorySize = DefaultAdaptationHistorySize
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: Insecure HTTP is ALLOWED",
			"risk", "Authorization codes and tokens can be intercepted",
			"recommendation", "Set AllowInsecureHTTP=false outside isolated test environments")
	}
	if config.BcryptCost < bcrypt.DefaultCost {
		logger.Warn("SECURITY WARNING: Low bcrypt cost for client secrets",
			"risk", "Offline brute force of leaked secret hashes",
			"recommendation", "Use at least bcrypt.DefaultCost",
			"cost", config.BcryptCost)
	}
	if config.RelaxThreshold >= config.TightenThreshold {
		logger.Warn("CONFIGURATION WARNING: RelaxThreshold is not below TightenThreshold",
			"risk", "Client policies may oscillate between tightening and relaxing",
			"recommendation", "Keep RelaxThreshold well below TightenThreshold",
			"relax", config.RelaxThreshold,
			"tighten", config.TightenThreshold)
	}
}
