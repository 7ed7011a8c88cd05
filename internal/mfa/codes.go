package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	CodeDigits      = 6
	BackupCodeCount = 10
)

// GenerateNumericCode returns a uniformly random decimal code.
func GenerateNumericCode(digits int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// HashCode returns the hex HMAC-SHA256 of code under key.
func HashCode(key []byte, code string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckCode compares code with a stored HashCode value in constant time.
func CheckCode(key []byte, code, stored string) bool {
	want, err := hex.DecodeString(stored)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(code))
	return hmac.Equal(mac.Sum(nil), want)
}

// GenerateBackupCodes returns n codes of the form XXXX-XXXX and their bcrypt hashes.
func GenerateBackupCodes(n, cost int) (codes, hashes []string, err error) {
	codes = make([]string, n)
	hashes = make([]string, n)
	for i := range codes {
		buf := make([]byte, 5)
		if _, err := rand.Read(buf); err != nil {
			return nil, nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := base32.StdEncoding.EncodeToString(buf)
		h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash backup code: %w", err)
		}
		codes[i] = raw[:4] + "-" + raw[4:]
		hashes[i] = string(h)
	}
	return codes, hashes, nil
}

// MatchBackupCode returns the stored hash matching code, if any.
func MatchBackupCode(hashes []string, code string) (string, bool) {
	normalized := NormalizeBackupCode(code)
	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword([]byte(h), []byte(normalized)) == nil {
			return h, true
		}
	}
	return "", false
}

// NormalizeBackupCode upper-cases code and strips separators.
func NormalizeBackupCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
