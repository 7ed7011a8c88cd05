package mfa

import (
	"strings"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer([]byte(strings.Repeat("x", 32)))
	require.NoError(t, err)

	sealed, err := s.Seal("JBSWY3DPEHPK3PXP", "device-1")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	plain, err := s.Open(sealed, "device-1")
	require.NoError(t, err)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", plain)

	_, err = s.Open(sealed, "device-2")
	assert.Error(t, err)
}

func TestNewSealer_RejectsShortKey(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}

func TestGenerateNumericCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		code, err := GenerateNumericCode(CodeDigits)
		require.NoError(t, err)
		assert.True(t, domain.LooksLikeOTP(code), code)
	}
}

func TestCheckCode(t *testing.T) {
	key := []byte("k")
	stored := HashCode(key, "123456")
	assert.True(t, CheckCode(key, "123456", stored))
	assert.False(t, CheckCode(key, "654321", stored))
	assert.False(t, CheckCode([]byte("other"), "123456", stored))
	assert.False(t, CheckCode(key, "123456", "not-hex"))
}

func TestBackupCodes(t *testing.T) {
	codes, hashes, err := GenerateBackupCodes(3, bcrypt.MinCost)
	require.NoError(t, err)
	require.Len(t, codes, 3)

	for _, c := range codes {
		assert.True(t, domain.LooksLikeBackupCode(c), c)
	}
	h, ok := MatchBackupCode(hashes, strings.ToLower(codes[1]))
	assert.True(t, ok)
	assert.Equal(t, hashes[1], h)

	_, ok = MatchBackupCode(hashes, "AAAA-AAAA")
	assert.False(t, ok)
}

func TestValidateTOTP_Window(t *testing.T) {
	secret, uri, err := NewTOTPKey("authrisk", "owner-1")
	require.NoError(t, err)
	assert.Contains(t, uri, "issuer=authrisk")

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	code, err := TOTPCode(secret, now)
	require.NoError(t, err)

	assert.True(t, ValidateTOTP(code, secret, now))
	assert.True(t, ValidateTOTP(code, secret, now.Add(30*time.Second)))
	assert.True(t, ValidateTOTP(code, secret, now.Add(-30*time.Second)))
	assert.False(t, ValidateTOTP(code, secret, now.Add(61*time.Second)))
	assert.False(t, ValidateTOTP(code, secret, now.Add(-61*time.Second)))
}
