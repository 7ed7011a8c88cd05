package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/attaboy/authrisk/internal/domain"
)

type contextKey string

const (
	sessionKey contextKey = "auth_session"
	claimsKey  contextKey = "auth_claims"
	handleKey  contextKey = "auth_handle"
)

// Header carrying the optional client device id.
const DeviceIDHeader = "X-Device-ID"

// SessionValidator validates a presented session handle.
type SessionValidator interface {
	Validate(ctx context.Context, handle string, opts domain.ValidateOptions) (domain.ValidationResult, error)
}

// SessionFromContext returns the validated session attached by RequireSession.
func SessionFromContext(ctx context.Context) *domain.SessionContext {
	s, _ := ctx.Value(sessionKey).(*domain.SessionContext)
	return s
}

// ContextWithSession attaches a validated session to ctx.
func ContextWithSession(ctx context.Context, sc *domain.SessionContext) context.Context {
	return context.WithValue(ctx, sessionKey, sc)
}

// ClaimsFromContext returns the handle claims attached by RequireSession.
func ClaimsFromContext(ctx context.Context) *HandleClaims {
	c, _ := ctx.Value(claimsKey).(*HandleClaims)
	return c
}

// HandleFromContext returns the raw handle presented with the request.
func HandleFromContext(ctx context.Context) string {
	h, _ := ctx.Value(handleKey).(string)
	return h
}

// OriginFromRequest extracts the caller's IP and client signature. The IP
// comes from the RealIP middleware when mounted, else RemoteAddr.
func OriginFromRequest(r *http.Request) domain.Origin {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return domain.Origin{IP: ip, ClientSignature: r.UserAgent()}
}

// ValidateOptionsFromRequest builds validation options for r.
func ValidateOptionsFromRequest(r *http.Request, activity bool) domain.ValidateOptions {
	o := OriginFromRequest(r)
	return domain.ValidateOptions{
		IP:                   o.IP,
		ClientSignature:      o.ClientSignature,
		DeviceID:             r.Header.Get(DeviceIDHeader),
		RequireActivityCheck: activity,
	}
}

// RequireSession returns middleware that validates the bearer session handle
// against the session store and records activity.
func RequireSession(v SessionValidator, signer *HandleSigner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handle, err := BearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "missing or malformed bearer handle")
				return
			}
			claims, err := signer.Parse(handle)
			if err != nil {
				writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "invalid session handle")
				return
			}

			res, err := v.Validate(r.Context(), handle, ValidateOptionsFromRequest(r, true))
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, domain.CodeTransientStore, "session store unavailable")
				return
			}
			if !res.Valid {
				writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "session "+string(res.Reason))
				return
			}

			ctx := ContextWithSession(r.Context(), res.Session)
			ctx = context.WithValue(ctx, claimsKey, claims)
			ctx = context.WithValue(ctx, handleKey, handle)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that checks the role carried by the handle.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, domain.CodeUnauthorized, "no auth context")
				return
			}
			if !roleSet[claims.Role] {
				writeError(w, http.StatusForbidden, domain.CodeForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", domain.ErrUnauthorized("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", domain.ErrUnauthorized("invalid Authorization format")
	}
	return parts[1], nil
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"` + code + `","message":"` + strings.ReplaceAll(msg, `"`, `'`) + `"}`))
}
