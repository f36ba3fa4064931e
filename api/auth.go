package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/warp/school-billing/billing"
)

// Header names read when authentication is disabled (development).
const (
	HeaderUserID   = "X-User-ID"
	HeaderBranchID = "X-Branch-ID"
	HeaderRole     = "X-Role"
)

// Claims are the custom claims of an access token. The subject is the user ID.
type Claims struct {
	BranchID string `json:"branch_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type actorKey struct{}

// ActorFrom returns the actor attached by the auth middleware.
func ActorFrom(ctx context.Context) (billing.ActorContext, bool) {
	actor, ok := ctx.Value(actorKey{}).(billing.ActorContext)
	return actor, ok
}

// WithActor attaches an actor to ctx.
func WithActor(ctx context.Context, actor billing.ActorContext) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// AuthConfig selects how the actor is resolved.
type AuthConfig struct {
	Secret   string
	Disabled bool
}

// Authenticate resolves the ActorContext of every request: from a Bearer
// HS256 token, or from the X-User-ID / X-Branch-ID headers when disabled.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor billing.ActorContext
				err   error
			)
			if cfg.Disabled {
				actor, err = actorFromHeaders(r)
			} else {
				actor, err = actorFromToken(r, cfg.Secret)
			}
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Authentication required", err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

func actorFromHeaders(r *http.Request) (billing.ActorContext, error) {
	actor := billing.ActorContext{
		UserID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		BranchID: strings.TrimSpace(r.Header.Get(HeaderBranchID)),
		Role:     strings.TrimSpace(r.Header.Get(HeaderRole)),
	}
	if actor.UserID == "" {
		return actor, errors.New("missing " + HeaderUserID + " header")
	}
	return actor, nil
}

func actorFromToken(r *http.Request, secret string) (billing.ActorContext, error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return billing.ActorContext{}, errors.New("missing bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return billing.ActorContext{}, errors.New("invalid or expired token")
	}
	if claims.Subject == "" {
		return billing.ActorContext{}, errors.New("token has no subject")
	}
	return billing.ActorContext{UserID: claims.Subject, BranchID: claims.BranchID, Role: claims.Role}, nil
}

// IssueToken signs an HS256 access token for actor.
func IssueToken(secret string, actor billing.ActorContext, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		BranchID: actor.BranchID,
		Role:     actor.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
