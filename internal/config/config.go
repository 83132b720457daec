// Package config loads process configuration for the edgeguard binary.
//
// Settings come from EDGEGUARD_-prefixed environment variables, optionally
// seeded from a .env file, plus an optional YAML bootstrap file holding
// guards, the inspection policy and pre-registered clients.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/giantswarm/edgeguard"
	"github.com/giantswarm/edgeguard/instrumentation"
	"github.com/giantswarm/edgeguard/keystore"
	"github.com/giantswarm/edgeguard/security"
	"github.com/giantswarm/edgeguard/server"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "EDGEGUARD_"

// Config holds all environment-based configuration for edgeguard.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	Issuer     string `env:"ISSUER" envDefault:"http://localhost:8080"`

	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	// Guard key. A random key is generated at startup when empty.
	GuardKeyID  string `env:"GUARD_KEY_ID" envDefault:"auth_hmac"`
	GuardKeyHex string `env:"GUARD_KEY_HEX"`

	// SealingKeyHex is a 32 byte AES key, hex encoded, used to seal key exports.
	SealingKeyHex string `env:"SEALING_KEY_HEX"`

	RateLimit         float64 `env:"RATE_LIMIT" envDefault:"50"`
	RateLimitBurst    int     `env:"RATE_LIMIT_BURST" envDefault:"100"`
	TrustProxy        bool    `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int     `env:"TRUSTED_PROXY_COUNT" envDefault:"0"`

	MaxRegistrationsPerHour int  `env:"MAX_REGISTRATIONS_PER_HOUR" envDefault:"10"`
	AuditLogging            bool `env:"AUDIT_LOGGING" envDefault:"true"`

	RequirePKCE       bool `env:"REQUIRE_PKCE" envDefault:"false"`
	AllowInsecureHTTP bool `env:"ALLOW_INSECURE_HTTP" envDefault:"false"`

	ReplayWindow   time.Duration `env:"REPLAY_WINDOW" envDefault:"5m"`
	ReplayCapacity int           `env:"REPLAY_CAPACITY" envDefault:"1024"`

	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"15s"`
	AlertInterval     time.Duration `env:"ALERT_INTERVAL" envDefault:"3s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`

	// MetricsEnabled turns on otel instrumentation and /metrics/prometheus.
	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	LogClientIPs   bool `env:"TRACE_CLIENT_IPS" envDefault:"false"`

	// BootstrapFile is an optional YAML file loaded at startup.
	BootstrapFile string `env:"BOOTSTRAP_FILE"`
}

// warnInsecureEnvFile flags a .env file readable by group or others.
func warnInsecureEnvFile(path string) {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		log.Printf("WARNING: %s has insecure permissions %04o; recommended 0600", path, mode)
	}
}

// Load reads configuration from the environment. Without envFiles a .env
// file in the working directory is loaded when present; named envFiles
// must exist. Variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
		warnInsecureEnvFile(".env")
	} else {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
		for _, f := range envFiles {
			warnInsecureEnvFile(f)
		}
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%sLISTEN_ADDR must not be empty", EnvPrefix)
	}
	if c.GuardKeyHex != "" {
		key, err := hex.DecodeString(c.GuardKeyHex)
		if err != nil {
			return fmt.Errorf("%sGUARD_KEY_HEX is not valid hex: %w", EnvPrefix, err)
		}
		if len(key) < 32 {
			return fmt.Errorf("%sGUARD_KEY_HEX must be at least 32 bytes, got %d", EnvPrefix, len(key))
		}
	}
	if c.SealingKeyHex != "" {
		key, err := hex.DecodeString(c.SealingKeyHex)
		if err != nil {
			return fmt.Errorf("%sSEALING_KEY_HEX is not valid hex: %w", EnvPrefix, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("%sSEALING_KEY_HEX must be 32 bytes, got %d", EnvPrefix, len(key))
		}
	}
	if c.TrustedProxyCount < 0 {
		return fmt.Errorf("%sTRUSTED_PROXY_COUNT must not be negative", EnvPrefix)
	}
	if c.ReplayWindow < 0 || c.ReplayCapacity < 0 {
		return fmt.Errorf("replay window and capacity must not be negative")
	}
	return nil
}

// GatewayConfig translates c into a gateway configuration. The bootstrap
// file's guards and policy are applied when b is non-nil.
func (c *Config) GatewayConfig(logger *slog.Logger, version string, b *Bootstrap) (*edgeguard.Config, error) {
	var sealingKey []byte
	if c.SealingKeyHex != "" {
		key, err := hex.DecodeString(c.SealingKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decoding sealing key: %w", err)
		}
		sealingKey = key
	}

	gc := &edgeguard.Config{
		Issuer: c.Issuer,
		OAuth: server.Config{
			RequirePKCE:       c.RequirePKCE,
			AllowInsecureHTTP: c.AllowInsecureHTTP,
		},
		RateLimit: edgeguard.RateLimitConfig{
			Rate:              c.RateLimit,
			Burst:             c.RateLimitBurst,
			TrustProxy:        c.TrustProxy,
			TrustedProxyCount: c.TrustedProxyCount,
		},
		Security: edgeguard.SecurityConfig{
			GuardKeyID:              c.GuardKeyID,
			GuardKeyHex:             c.GuardKeyHex,
			EnableAuditLogging:      c.AuditLogging,
			SealingKey:              sealingKey,
			MaxRegistrationsPerHour: c.MaxRegistrationsPerHour,
		},
		Replay: keystore.ReplayParams{
			Capacity: c.ReplayCapacity,
			Window:   c.ReplayWindow,
		},
		SchedulerInterval: c.SchedulerInterval,
		AlertInterval:     c.AlertInterval,
		CleanupInterval:   c.CleanupInterval,
		ReadTimeout:       c.ReadTimeout,
		Logger:            logger,
		Instrumentation: instrumentation.Config{
			ServiceName:    "edgeguard",
			ServiceVersion: version,
			Enabled:        c.MetricsEnabled,
			Prometheus:     c.MetricsEnabled,
			LogClientIPs:   c.LogClientIPs,
		},
	}

	if b != nil {
		gc.Security.Guards = append([]security.GuardConfig(nil), b.Guards...)
		if b.Policy != nil {
			p := *b.Policy
			gc.Security.InboundPolicy = &p
		}
	}
	return gc, nil
}
