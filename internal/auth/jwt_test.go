package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatrelay/internal/relay"
)

func TestIssueAndAuthenticate(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	token, err := a.Issue(relay.Identity{UserID: 42, Username: "obi", Admin: true, SessionID: "sess-1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, ok := a.Authenticate(r)
	if !ok {
		t.Fatalf("expected token to authenticate")
	}
	want := relay.Identity{UserID: 42, Username: "obi", Admin: true, SessionID: "sess-1"}
	if *id != want {
		t.Fatalf("unexpected identity %+v", *id)
	}

	c := httptest.NewRequest(http.MethodGet, "/chat", nil)
	c.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	if _, ok := a.Authenticate(c); !ok {
		t.Fatalf("expected cookie token to authenticate")
	}
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	other := NewJWTAuthenticator("other-secret")
	foreign, err := other.Issue(relay.Identity{UserID: 1}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	expired, err := a.Issue(relay.Identity{UserID: 1}, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	noUser, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "anonymous"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	for name, header := range map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"wrong secret": "Bearer " + foreign,
		"expired":      "Bearer " + expired,
		"non-numeric":  "Bearer " + noUser,
		"unsigned":     "Bearer " + none,
		"garbage":      "Bearer not.a.token",
	} {
		r := httptest.NewRequest(http.MethodGet, "/chat", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		if _, ok := a.Authenticate(r); ok {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestSessionFallsBackToTokenDerivedID(t *testing.T) {
	a := NewJWTAuthenticator("secret")
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "7"}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	first, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if first.SessionID == "" || first.SessionID != second.SessionID {
		t.Fatalf("expected a stable derived session id, got %q and %q", first.SessionID, second.SessionID)
	}
}
