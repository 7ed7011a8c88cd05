package snapshot

import (
	"context"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/google/uuid"
)

const currentSessionKey = "session:current"

// SessionSnapshot is the locally held current session. It carries the raw
// handle and refresh token, so stores must live on the client's own disk.
type SessionSnapshot struct {
	SessionID    uuid.UUID              `json:"session_id"`
	OwnerID      string                 `json:"owner_id"`
	Token        string                 `json:"token"`
	RefreshToken string                 `json:"refresh_token"`
	Options      domain.ValidateOptions `json:"options"`
	ExpiresAt    time.Time              `json:"expires_at"`
	State        domain.SessionState    `json:"state"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// SaveSession stores the current session until it expires.
func SaveSession(ctx context.Context, store Store, s SessionSnapshot) error {
	s.UpdatedAt = time.Now().UTC()
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return SetJSON(ctx, store, currentSessionKey, s, ttl)
}

// LoadSession returns the current session, or ErrNotFound.
func LoadSession(ctx context.Context, store Store) (*SessionSnapshot, error) {
	var s SessionSnapshot
	if err := GetJSON(ctx, store, currentSessionKey, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearSession forgets the current session.
func ClearSession(ctx context.Context, store Store) error {
	return store.Delete(ctx, currentSessionKey)
}
