package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSignAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)

	token, err := issuer.Sign("user-1", "alice")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.Username != "alice" {
		t.Errorf("unexpected claims %+v", claims)
	}
}

func TestVerifyRejects(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, _ := issuer.Sign("user-1", "alice")

	expired := NewTokenIssuer("secret", time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, _ := expired.Sign("user-1", "alice")

	tests := []struct {
		name  string
		token string
		with  *TokenIssuer
	}{
		{"Wrong Secret", token, NewTokenIssuer("other", time.Hour)},
		{"Expired", old, issuer},
		{"Garbage", "not-a-token", issuer},
		{"Tampered", token + "x", issuer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.with.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	req.Header.Set("Authorization", "Bearer from-header")
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	if got := TokenFromRequest(req); got != "from-header" {
		t.Errorf("expected header token, got %q", got)
	}

	req = httptest.NewRequest("GET", "/ws?token=from-query", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	if got := TokenFromRequest(req); got != "from-query" {
		t.Errorf("expected query token, got %q", got)
	}

	req = httptest.NewRequest("GET", "/ws", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	if got := TokenFromRequest(req); got != "from-cookie" {
		t.Errorf("expected cookie token, got %q", got)
	}

	if got := TokenFromRequest(httptest.NewRequest("GET", "/ws", nil)); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}
