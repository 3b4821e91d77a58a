package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/quizzer/config"
)

func newTokenContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestTokenExchangeSuccess(t *testing.T) {
	e := echo.New()
	handler := &AuthHandler{
		Cfg:    config.ServerConfig{Secret: "letmein"},
		Secret: []byte("test-jwt-secret"),
	}

	ctx, rec := newTokenContext(e, `{"secret":"letmein"}`)
	if err := handler.token(ctx); err != nil {
		t.Fatalf("token: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}

	var resp TokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token")
	}
	if !resp.ExpiresAt.After(time.Now()) {
		t.Fatalf("token already expired: %v", resp.ExpiresAt)
	}

	parsed, err := jwt.Parse(resp.Token, func(*jwt.Token) (interface{}, error) {
		return []byte("test-jwt-secret"), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("unexpected claims type %T", parsed.Claims)
	}
	if claims["sub"] != "operator" {
		t.Fatalf("unexpected subject: %v", claims["sub"])
	}

	var cookieSet bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == "auth" && c.Value == resp.Token {
			cookieSet = true
		}
	}
	if !cookieSet {
		t.Fatal("auth cookie not set")
	}
}

func TestTokenExchangeWrongSecret(t *testing.T) {
	e := echo.New()
	handler := &AuthHandler{
		Cfg:    config.ServerConfig{Secret: "letmein"},
		Secret: []byte("test-jwt-secret"),
	}

	ctx, _ := newTokenContext(e, `{"secret":"guess"}`)
	err := handler.token(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 error, got %#v", err)
	}
}

func TestTokenExchangeMissingSecret(t *testing.T) {
	e := echo.New()
	handler := &AuthHandler{
		Cfg:    config.ServerConfig{Secret: "letmein"},
		Secret: []byte("test-jwt-secret"),
	}

	ctx, _ := newTokenContext(e, `{}`)
	err := handler.token(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}

func TestVerifySecret(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	cases := []struct {
		name      string
		cfg       config.ServerConfig
		candidate string
		want      bool
	}{
		{"plain match", config.ServerConfig{Secret: "letmein"}, "letmein", true},
		{"plain mismatch", config.ServerConfig{Secret: "letmein"}, "other", false},
		{"hash match", config.ServerConfig{SecretHash: string(hash)}, "hashed-secret", true},
		{"hash mismatch", config.ServerConfig{SecretHash: string(hash)}, "letmein", false},
		{"hash beats plain", config.ServerConfig{Secret: "letmein", SecretHash: string(hash)}, "letmein", false},
		{"nothing configured", config.ServerConfig{}, "", false},
	}
	for _, tc := range cases {
		if got := verifySecret(tc.cfg, tc.candidate); got != tc.want {
			t.Errorf("%s: verifySecret = %v, want %v", tc.name, got, tc.want)
		}
	}
}
