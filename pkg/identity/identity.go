// Package identity resolves request credentials to a user with current role
// information. Credentials are HS256-signed session tokens whose subject is
// the user id; the user record and staff assignments are re-read from the
// store on every resolve.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NicolasHaas/officehours/pkg/crypto"
	"github.com/NicolasHaas/officehours/pkg/errorz"
	"github.com/NicolasHaas/officehours/pkg/model"
)

// CookieName is the session cookie carrying a token.
const CookieName = "oh_session"

// DefaultIssuer is the issuer claim written into and required from tokens.
const DefaultIssuer = "officehours"

// UserLookup is the store surface the resolver needs.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*model.User, error)
}

// Config defines how tokens are signed and verified.
type Config struct {
	Issuer string
	Key    []byte
	Now    func() time.Time
}

// Resolver turns tokens into users.
type Resolver struct {
	users UserLookup
	cfg   Config
}

type sessionClaims struct {
	jwt.RegisteredClaims
}

// NewResolver validates cfg and returns a resolver.
func NewResolver(users UserLookup, cfg Config) (*Resolver, error) {
	if len(cfg.Key) < crypto.SigningKeySize {
		return nil, errors.New("identity: signing key too short")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Resolver{users: users, cfg: cfg}, nil
}

// Issue signs a token for userID valid for ttl.
func (r *Resolver) Issue(userID int64, ttl time.Duration) (string, error) {
	if userID <= 0 {
		return "", errorz.InvalidRequest("cannot issue a token for user %d", userID)
	}
	now := r.cfg.Now().UTC()
	claims := sessionClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    r.cfg.Issuer,
		Subject:   model.FormatID(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.cfg.Key)
	if err != nil {
		return "", err
	}
	return signed, nil
}

// Resolve returns the user a token identifies. An empty token resolves to
// model.Anonymous. A token that fails verification, or names a user that no
// longer exists, fails Unauthenticated. Store failures pass through.
func (r *Resolver) Resolve(ctx context.Context, token string) (model.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return model.Anonymous, nil
	}

	var parsed sessionClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return r.cfg.Key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(r.cfg.Now),
	)
	if err != nil {
		return model.User{}, mapJWTError(err)
	}

	id, err := model.ParseID("user", parsed.Subject)
	if err != nil {
		return model.User{}, errorz.Unauthenticated("session token subject is invalid")
	}
	user, err := r.users.GetUser(ctx, id)
	if errors.Is(err, errorz.ErrNotFound) {
		return model.User{}, errorz.Unauthenticated("session user no longer exists")
	}
	if err != nil {
		return model.User{}, err
	}
	return *user, nil
}

// mapJWTError translates jwt library errors to Unauthenticated reasons.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return errorz.Unauthenticated("session token is expired")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return errorz.Unauthenticated("session token is not active yet")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errorz.Unauthenticated("session token signature is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return errorz.Unauthenticated("session token issuer mismatch")
	default:
		return errorz.Unauthenticated("session token is invalid")
	}
}

// TokenFromRequest extracts a token from the Authorization header or the
// session cookie, and from the token query parameter when allowQuery is
// set (browsers cannot attach headers to websocket upgrades).
func TokenFromRequest(req *http.Request, allowQuery bool) string {
	if auth := req.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	if c, err := req.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if allowQuery {
		return req.URL.Query().Get("token")
	}
	return ""
}
