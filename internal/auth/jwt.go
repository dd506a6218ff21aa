// Package auth resolves the calling user from an HS256 bearer token issued by
// the host site.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatrelay/internal/relay"
)

// CookieName is checked when no Authorization header is present.
const CookieName = "chatrelay_token"

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Name      string `json:"name,omitempty"`
	Admin     bool   `json:"admin,omitempty"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type JWTAuthenticator struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), now: time.Now}
}

// Authenticate returns the identity behind the request's token, or false
// when there is no usable token.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (*relay.Identity, bool) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, false
	}
	id, err := a.Parse(raw)
	if err != nil {
		return nil, false
	}
	return id, true
}

func (a *JWTAuthenticator) Parse(raw string) (*relay.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}

	sid := claims.SessionID
	if sid == "" {
		sid = claims.ID
	}
	if sid == "" {
		// Tokens without a session claim get one derived from the token itself.
		sid = uuid.NewSHA1(uuid.NameSpaceURL, []byte(raw)).String()
	}
	return &relay.Identity{
		UserID:    userID,
		SessionID: sid,
		Username:  claims.Name,
		Admin:     claims.Admin,
	}, nil
}

// Issue signs a token for id, valid for ttl. Used by the token command and tests.
func (a *JWTAuthenticator) Issue(id relay.Identity, ttl time.Duration) (string, error) {
	now := a.now()
	sid := id.SessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	claims := Claims{
		Name:      id.Username,
		Admin:     id.Admin,
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(id.UserID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(CookieName); err == nil {
		return c.Value
	}
	return ""
}
