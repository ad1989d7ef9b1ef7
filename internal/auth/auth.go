// Package auth resolves a socket handshake to an identity: either a signed
// session token carried in a cookie, or guest parameters supplied by the
// client when guest access is enabled.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrNoCredentials means no token was presented and guest access is off.
	ErrNoCredentials = errors.New("authentication required")
	// ErrInvalidToken means a token was presented but failed verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// TokenCookie is the cookie carrying the session JWT.
const TokenCookie = "token"

// Identity is a resolved user.
type Identity struct {
	UserID string
	Name   string
	Guest  bool
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Resolver verifies session tokens and synthesizes guest identities.
type Resolver struct {
	secret      []byte
	allowGuests bool
}

// NewResolver builds a Resolver. An empty secret disables token
// verification entirely, leaving only guest access.
func NewResolver(secret string, allowGuests bool) *Resolver {
	return &Resolver{secret: []byte(secret), allowGuests: allowGuests}
}

// Resolve inspects the handshake request and returns the caller's identity.
// Token verification failures are hard errors even when guests are allowed:
// a client presenting a bad token gets refused, not silently downgraded.
func (r *Resolver) Resolve(req *http.Request) (Identity, error) {
	if c, err := req.Cookie(TokenCookie); err == nil && c.Value != "" {
		if len(r.secret) == 0 {
			return Identity{}, ErrInvalidToken
		}
		id, err := r.verify(c.Value)
		if err != nil {
			return Identity{}, err
		}
		if name := req.URL.Query().Get("userName"); name != "" {
			id.Name = name
		}
		if id.Name == "" {
			id.Name = defaultName(id.UserID)
		}
		return id, nil
	}

	if !r.allowGuests {
		return Identity{}, ErrNoCredentials
	}
	return r.guest(req), nil
}

func (r *Resolver) verify(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: c.Subject, Name: strings.TrimSpace(c.Name)}, nil
}

// guest synthesizes an identity from handshake parameters without any
// external calls.
func (r *Resolver) guest(req *http.Request) Identity {
	q := req.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		userID = "guest-" + uuid.NewString()[:8]
	}
	name := q.Get("userName")
	if name == "" {
		name = defaultName(userID)
	}
	return Identity{UserID: userID, Name: name, Guest: true}
}

// defaultName derives a display label from the tail of the user id.
func defaultName(userID string) string {
	tail := userID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "User " + tail
}

// Sign issues a session token for the given user. Used by tests and by
// deployments that mint tokens out-of-band.
func (r *Resolver) Sign(userID, name string, expiry time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", errors.New("signing secret not configured")
	}
	c := claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(r.secret)
}
