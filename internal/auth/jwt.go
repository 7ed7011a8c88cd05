package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const handleIssuer = "authrisk"

// HandleClaims are carried by a session handle. Handles have no exp claim:
// the session store is authoritative for expiry and revocation.
type HandleClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Role      string `json:"role,omitempty"`
}

// HandleSigner issues and verifies HS256-signed session handles.
type HandleSigner struct {
	secret []byte
	now    func() time.Time
}

// NewHandleSigner creates a signer using the given secret.
func NewHandleSigner(secret string) *HandleSigner {
	return &HandleSigner{secret: []byte(secret), now: time.Now}
}

// Issue creates a signed handle for a session. A random nonce in the jti
// makes every handle unique even for the same session.
func (s *HandleSigner) Issue(sessionID uuid.UUID, ownerID, role string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	claims := HandleClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   handleIssuer,
			Subject:  ownerID,
			IssuedAt: jwt.NewNumericDate(s.now()),
			ID:       hex.EncodeToString(nonce),
		},
		SessionID: sessionID.String(),
		Role:      role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse verifies a handle's signature and returns its claims.
func (s *HandleSigner) Parse(handle string) (*HandleClaims, error) {
	token, err := jwt.ParseWithClaims(handle, &HandleClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(handleIssuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("parse handle: %w", err)
	}

	claims, ok := token.Claims.(*HandleClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid handle claims")
	}
	if _, err := uuid.Parse(claims.SessionID); err != nil {
		return nil, fmt.Errorf("invalid session id in handle: %w", err)
	}
	return claims, nil
}
