package infra

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func secureEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SIGNING_KEY", strings.Repeat("s", 40))
	t.Setenv("ENCRYPTION_KEY", strings.Repeat("ab", 32))
	t.Setenv("CODE_HASH_KEY", strings.Repeat("h", 32))
	t.Setenv("ALLOW_INSECURE_DEFAULTS", "false")
}

func TestLoadConfig_Defaults(t *testing.T) {
	secureEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.SessionDuration)
	assert.Equal(t, 30*time.Minute, cfg.ActivityTimeout)
	assert.Equal(t, 5*time.Minute, cfg.WarningThreshold)
	assert.Equal(t, 3, cfg.ChallengeAttempts)
	assert.Equal(t, 60, cfg.EscalationThreshold)
	assert.Empty(t, cfg.TrustedProxies)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"warning not shorter than idle", func(c *Config) { c.WarningThreshold = c.ActivityTimeout }, "WARNING_THRESHOLD"},
		{"refresh not shorter than duration", func(c *Config) { c.RefreshThreshold = c.SessionDuration }, "REFRESH_THRESHOLD"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentSessions = 0 }, "MAX_CONCURRENT_SESSIONS"},
		{"unknown concurrency", func(c *Config) { c.ConcurrencyPolicy = "queue" }, "CONCURRENCY_POLICY"},
		{"unknown binding", func(c *Config) { c.BindingPolicy = "loose" }, "BINDING_POLICY"},
		{"bcrypt cost", func(c *Config) { c.BcryptCost = 3 }, "BCRYPT_COST"},
		{"escalation range", func(c *Config) { c.EscalationThreshold = 101 }, "ESCALATION_THRESHOLD"},
		{"bad time zone", func(c *Config) { c.TimeZone = "Mars/Olympus" }, "RISK_TIMEZONE"},
		{"bad proxy", func(c *Config) { c.TrustedProxies = []string{"10.0.0.0/8", "proxy.internal"} }, "TRUSTED_PROXIES"},
		{"default signing key", func(c *Config) { c.SigningKey = "change-me-in-production" }, "SIGNING_KEY"},
		{"short signing key", func(c *Config) { c.SigningKey = "short" }, "SIGNING_KEY"},
		{"bad encryption key", func(c *Config) { c.EncryptionKey = "zz" }, "ENCRYPTION_KEY"},
		{"short code key", func(c *Config) { c.CodeHashKey = "short" }, "CODE_HASH_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secureEnv(t)
			cfg, err := LoadConfig()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestConfig_InsecureDefaultsSkipKeyChecks(t *testing.T) {
	t.Setenv("ALLOW_INSECURE_DEFAULTS", "true")
	t.Setenv("SIGNING_KEY", "change-me-in-production")
	t.Setenv("ENCRYPTION_KEY", "")
	t.Setenv("CODE_HASH_KEY", "")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	key, err := cfg.SealKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Equal(t, []byte("change-me-in-production"), cfg.HMACKey())

	cfg.MaxConcurrentSessions = 0
	assert.Error(t, cfg.Validate(), "structural checks still apply")
}

func TestConfig_Policies(t *testing.T) {
	cfg := &Config{BindingPolicy: "lenient", ConcurrencyPolicy: "reject", MaxConcurrentSessions: 2}
	p, err := cfg.Policies()
	require.NoError(t, err)
	assert.Equal(t, policy.BindingLenient, p.Binding)
	assert.Equal(t, policy.ConcurrencyReject, p.Concurrency)
	assert.Equal(t, 2, p.MaxConcurrent)

	cfg.BindingPolicy = "nope"
	_, err = cfg.Policies()
	assert.Error(t, err)
}

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{PGUser: "u", PGPassword: "p", PGHost: "db", PGPort: 5432, PGDatabase: "authrisk"}
	assert.Equal(t, "postgres://u:p@db:5432/authrisk?sslmode=disable", cfg.DSN())

	cfg.DatabaseURL = "postgres://elsewhere/x"
	assert.Equal(t, "postgres://elsewhere/x", cfg.DSN())
}

func TestConfig_LocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, (&Config{TimeZone: "Nowhere/Special"}).Location())
}

func TestConfig_ProxyPrefixes(t *testing.T) {
	t.Setenv("TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.10,::ffff:172.16.0.1")
	cfg, err := LoadConfig()
	require.NoError(t, err)

	got, err := cfg.ProxyPrefixes()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.10/32"),
		netip.MustParsePrefix("172.16.0.1/32"),
	}, got)
}
