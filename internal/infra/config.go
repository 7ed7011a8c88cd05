package infra

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/attaboy/authrisk/internal/policy"
	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL"`
	PGHost      string `env:"PGHOST" envDefault:"localhost"`
	PGPort      int    `env:"PGPORT" envDefault:"5435"`
	PGUser      string `env:"PGUSER" envDefault:"authrisk"`
	PGPassword  string `env:"PGPASSWORD" envDefault:"authrisk"`
	PGDatabase  string `env:"PGDATABASE" envDefault:"authrisk"`
	PGMaxConns  int    `env:"PG_MAX_CONNS" envDefault:"20"`
	PGMinConns  int    `env:"PG_MIN_CONNS" envDefault:"2"`
	UseMemory   bool   `env:"USE_MEMORY_STORE" envDefault:"false"`

	// Keys
	SigningKey    string `env:"SIGNING_KEY" envDefault:"change-me-in-production"`
	EncryptionKey string `env:"ENCRYPTION_KEY"` // 64 hex chars, seals MFA secrets
	CodeHashKey   string `env:"CODE_HASH_KEY"`  // HMAC key for out-of-band codes

	// Sessions
	SessionDuration       time.Duration `env:"SESSION_DURATION" envDefault:"24h"`
	ActivityTimeout       time.Duration `env:"ACTIVITY_TIMEOUT" envDefault:"30m"`
	WarningThreshold      time.Duration `env:"WARNING_THRESHOLD" envDefault:"5m"`
	RefreshThreshold      time.Duration `env:"REFRESH_THRESHOLD" envDefault:"1h"`
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS" envDefault:"5"`
	ConcurrencyPolicy     string        `env:"CONCURRENCY_POLICY" envDefault:"evict_oldest"`
	BindingPolicy         string        `env:"BINDING_POLICY" envDefault:"strict"`
	MonitorInterval       time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`
	PruneInterval         time.Duration `env:"PRUNE_INTERVAL" envDefault:"10m"`
	PruneRetention        time.Duration `env:"PRUNE_RETENTION" envDefault:"168h"`

	// MFA
	ChallengeTTL        time.Duration `env:"MFA_CHALLENGE_TTL" envDefault:"5m"`
	ChallengeAttempts   int           `env:"MFA_CHALLENGE_ATTEMPTS" envDefault:"3"`
	TOTPIssuer          string        `env:"TOTP_ISSUER" envDefault:"authrisk"`
	DispatchTimeout     time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"5s"`
	ChallengeRateLimit  int           `env:"MFA_CHALLENGE_RATE_LIMIT" envDefault:"5"`
	ChallengeRateWindow time.Duration `env:"MFA_CHALLENGE_RATE_WINDOW" envDefault:"15m"`

	// Risk
	EscalationThreshold int           `env:"ESCALATION_THRESHOLD" envDefault:"60"`
	StoreTimeout        time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	StoreRetries        int           `env:"STORE_RETRIES" envDefault:"3"`
	TimeZone            string        `env:"RISK_TIMEZONE" envDefault:"UTC"`
	FingerprintCache    int           `env:"FINGERPRINT_CACHE_SIZE" envDefault:"10000"`

	// Hashing
	BcryptCost int `env:"BCRYPT_COST" envDefault:"10"`

	// Lockout
	LockoutThreshold int           `env:"LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindow    time.Duration `env:"LOCKOUT_WINDOW" envDefault:"15m"`

	// Server
	APIPort int `env:"API_PORT" envDefault:"3100"`

	// Kafka
	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled bool   `env:"KAFKA_ENABLED" envDefault:"false"`

	// Session agent
	SnapshotPath string `env:"SNAPSHOT_PATH" envDefault:"./data/session.db"`

	// CORS
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// Proxies whose X-Forwarded-For is honoured (CIDRs or addresses). Empty trusts none.
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`

	// Dev
	AllowInsecureDefaults bool `env:"ALLOW_INSECURE_DEFAULTS" envDefault:"false"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configuration the engine cannot run with. Key strength
// checks can be bypassed with ALLOW_INSECURE_DEFAULTS=true (local dev only);
// structural checks cannot.
func (c *Config) Validate() error {
	if c.SessionDuration <= 0 || c.ActivityTimeout <= 0 || c.WarningThreshold <= 0 || c.RefreshThreshold <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	if c.WarningThreshold >= c.ActivityTimeout {
		return fmt.Errorf("WARNING_THRESHOLD (%s) must be shorter than ACTIVITY_TIMEOUT (%s)", c.WarningThreshold, c.ActivityTimeout)
	}
	if c.RefreshThreshold >= c.SessionDuration {
		return fmt.Errorf("REFRESH_THRESHOLD (%s) must be shorter than SESSION_DURATION (%s)", c.RefreshThreshold, c.SessionDuration)
	}
	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be at least 1")
	}
	if c.ChallengeAttempts < 1 || c.ChallengeTTL <= 0 {
		return fmt.Errorf("MFA challenge attempts and ttl must be positive")
	}
	if !c.UseMemory && (c.PGMaxConns < 1 || c.PGMinConns < 0 || c.PGMinConns > c.PGMaxConns) {
		return fmt.Errorf("PG_MIN_CONNS and PG_MAX_CONNS must satisfy 0 <= min <= max, max >= 1")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be within [4,31]")
	}
	if c.EscalationThreshold < 0 || c.EscalationThreshold > 100 {
		return fmt.Errorf("ESCALATION_THRESHOLD must be within [0,100]")
	}
	switch c.ConcurrencyPolicy {
	case "reject", "evict_oldest":
	default:
		return fmt.Errorf("CONCURRENCY_POLICY %q must be reject or evict_oldest", c.ConcurrencyPolicy)
	}
	switch c.BindingPolicy {
	case "strict", "lenient":
	default:
		return fmt.Errorf("BINDING_POLICY %q must be strict or lenient", c.BindingPolicy)
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("RISK_TIMEZONE: %w", err)
	}
	if _, err := c.ProxyPrefixes(); err != nil {
		return err
	}

	if c.AllowInsecureDefaults {
		return nil
	}
	if c.SigningKey == "change-me-in-production" {
		return fmt.Errorf("SIGNING_KEY is set to the insecure default; set a strong secret or set ALLOW_INSECURE_DEFAULTS=true for local dev")
	}
	if len(c.SigningKey) < 32 {
		return fmt.Errorf("SIGNING_KEY is too short (%d chars); minimum 32 characters required", len(c.SigningKey))
	}
	if _, err := c.SealKey(); err != nil {
		return err
	}
	if len(c.CodeHashKey) < 32 {
		return fmt.Errorf("CODE_HASH_KEY is too short (%d chars); minimum 32 characters required", len(c.CodeHashKey))
	}
	return nil
}

// SealKey decodes ENCRYPTION_KEY. With insecure defaults allowed and no key
// set, a fixed development key derived from the signing key is returned.
func (c *Config) SealKey() ([]byte, error) {
	if c.EncryptionKey == "" && c.AllowInsecureDefaults {
		key := make([]byte, 32)
		copy(key, c.SigningKey)
		return key, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
	}
	return key, nil
}

// HMACKey returns the out-of-band code hashing key.
func (c *Config) HMACKey() []byte {
	if c.CodeHashKey == "" {
		return []byte(c.SigningKey)
	}
	return []byte(c.CodeHashKey)
}

// Policies derives the session policy from the configuration.
func (c *Config) Policies() (policy.SessionPolicy, error) {
	binding, err := policy.ParseBindingMode(c.BindingPolicy)
	if err != nil {
		return policy.SessionPolicy{}, err
	}
	concurrency, err := policy.ParseConcurrencyMode(c.ConcurrencyPolicy)
	if err != nil {
		return policy.SessionPolicy{}, err
	}
	return policy.SessionPolicy{
		Binding:       binding,
		Concurrency:   concurrency,
		MaxConcurrent: c.MaxConcurrentSessions,
	}, nil
}

// ProxyPrefixes parses TRUSTED_PROXIES. A bare address is a single-host prefix.
func (c *Config) ProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if p, err := netip.ParsePrefix(raw); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: %q is not an address or CIDR", raw)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Location returns the time zone used for off-hours detection.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}
