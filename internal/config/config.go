// Package config reads service settings from AGORA_* environment variables.
// A .env file in the working directory, when present, is loaded first and
// never overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"agora.app/internal/verification"
)

const prefix = "AGORA_"

// KeyConfig selects how one token type is verified.
type KeyConfig struct {
	Issuer     string
	Audience   string
	JWKSURL    string
	HMACSecret string
}

// Limit is a sliding-window allowance.
type Limit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	Environment string
	LogLevel    string

	HTTPAddr     string
	GRPCAddr     string
	MaxBodyBytes int64
	CORSOrigins  []string
	HTTPRate     float64
	HTTPBurst    int
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	TrustProxy bool

	PostgresDSN string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	Attestation  KeyConfig
	AppIDs       []string
	Identity     KeyConfig
	JWKSTimeout  time.Duration
	JWKSCacheTTL time.Duration

	VerifierTarget   string
	VerifierTimeout  time.Duration
	DevFallback      bool
	ChallengeTTL     time.Duration
	ChallengeHashKey string
	GraceDays        int

	ChallengeUserLimit Limit
	ChallengeIPLimit   Limit
	VerifyUserLimit    Limit
	VerifyIPLimit      Limit
}

// Production reports whether the service runs in the production environment.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads .env (if any) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Unset keys take defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	c := Config{
		Environment:  r.str("ENV", "development"),
		LogLevel:     r.str("LOG_LEVEL", "info"),
		HTTPAddr:     r.str("HTTP_ADDR", ":8080"),
		GRPCAddr:     r.str("GRPC_ADDR", ":9090"),
		MaxBodyBytes: int64(r.int("MAX_BODY_BYTES", 64<<10)),
		CORSOrigins:  r.list("CORS_ORIGINS"),
		HTTPRate:     r.float("HTTP_RATE", 20),
		HTTPBurst:    r.int("HTTP_BURST", 40),
		TrustProxy:   r.bool("TRUST_PROXY", false),

		PostgresDSN: r.str("PG_DSN", ""),
		RedisURL:    r.str("REDIS_URL", ""),

		KafkaBrokers: r.list("KAFKA_BROKERS"),
		KafkaTopic:   r.str("KAFKA_TOPIC", "gate.denials"),

		Attestation: KeyConfig{
			Issuer:     r.str("ATTESTATION_ISSUER", ""),
			Audience:   r.str("ATTESTATION_AUDIENCE", ""),
			JWKSURL:    r.str("ATTESTATION_JWKS_URL", ""),
			HMACSecret: r.str("ATTESTATION_HMAC_SECRET", ""),
		},
		AppIDs: r.list("ATTESTATION_APP_IDS"),
		Identity: KeyConfig{
			Issuer:     r.str("IDENTITY_ISSUER", ""),
			Audience:   r.str("IDENTITY_AUDIENCE", ""),
			JWKSURL:    r.str("IDENTITY_JWKS_URL", ""),
			HMACSecret: r.str("IDENTITY_HMAC_SECRET", ""),
		},
		JWKSTimeout:  r.dur("JWKS_TIMEOUT", 5*time.Second),
		JWKSCacheTTL: r.dur("JWKS_CACHE_TTL", time.Hour),

		VerifierTarget:   r.str("VERIFIER_TARGET", ""),
		VerifierTimeout:  r.dur("VERIFIER_TIMEOUT", 10*time.Second),
		DevFallback:      r.bool("DEV_FALLBACK", false),
		ChallengeTTL:     verification.ClampTTL(r.dur("CHALLENGE_TTL", verification.DefaultChallengeTTL)),
		ChallengeHashKey: r.str("CHALLENGE_HASH_KEY", ""),
		GraceDays:        r.int("GRACE_DAYS", 10),

		ChallengeUserLimit: Limit{Max: r.int("CHALLENGE_USER_LIMIT", 5), Window: r.dur("CHALLENGE_USER_WINDOW", time.Minute)},
		ChallengeIPLimit:   Limit{Max: r.int("CHALLENGE_IP_LIMIT", 60), Window: r.dur("CHALLENGE_IP_WINDOW", time.Minute)},
		VerifyUserLimit:    Limit{Max: r.int("VERIFY_USER_LIMIT", 10), Window: r.dur("VERIFY_USER_WINDOW", time.Minute)},
		VerifyIPLimit:      Limit{Max: r.int("VERIFY_IP_LIMIT", 60), Window: r.dur("VERIFY_IP_WINDOW", time.Minute)},
	}
	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings that would weaken authentication.
func (c Config) Validate() error {
	var errs []error
	if len(c.AppIDs) == 0 {
		errs = append(errs, errors.New("config: AGORA_ATTESTATION_APP_IDS is required"))
	}
	if c.Attestation.JWKSURL == "" && c.Attestation.HMACSecret == "" {
		errs = append(errs, errors.New("config: attestation needs AGORA_ATTESTATION_JWKS_URL or AGORA_ATTESTATION_HMAC_SECRET"))
	}
	if c.Identity.JWKSURL == "" && c.Identity.HMACSecret == "" {
		errs = append(errs, errors.New("config: identity needs AGORA_IDENTITY_JWKS_URL or AGORA_IDENTITY_HMAC_SECRET"))
	}
	if c.Production() {
		if c.Attestation.JWKSURL == "" || c.Identity.JWKSURL == "" {
			errs = append(errs, errors.New("config: production requires JWKS key sources"))
		}
		if c.DevFallback {
			errs = append(errs, errors.New("config: AGORA_DEV_FALLBACK cannot be enabled in production"))
		}
		if c.ChallengeHashKey == "" {
			errs = append(errs, errors.New("config: production requires AGORA_CHALLENGE_HASH_KEY"))
		}
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("config: production requires AGORA_PG_DSN"))
		}
	}
	if c.GraceDays <= 0 {
		errs = append(errs, errors.New("config: AGORA_GRACE_DAYS must be positive"))
	}
	for name, l := range map[string]Limit{
		"CHALLENGE_USER": c.ChallengeUserLimit,
		"CHALLENGE_IP":   c.ChallengeIPLimit,
		"VERIFY_USER":    c.VerifyUserLimit,
		"VERIFY_IP":      c.VerifyIPLimit,
	} {
		if l.Max <= 0 || l.Window <= 0 {
			errs = append(errs, fmt.Errorf("config: AGORA_%s limit and window must be positive", name))
		}
	}
	return errors.Join(errs...)
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) raw(key string) string {
	return strings.TrimSpace(r.getenv(prefix + key))
}

func (r *reader) str(key, def string) string {
	if v := r.raw(key); v != "" {
		return v
	}
	return def
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.raw(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) int(key string, def int) int {
	v := r.raw(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v := r.raw(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	v := r.raw(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return def
	}
	return b
}

func (r *reader) dur(key string, def time.Duration) time.Duration {
	v := r.raw(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s%s: %w", prefix, key, err))
		return def
	}
	return d
}
