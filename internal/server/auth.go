package server

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/quizzer/config"
	"github.com/mohammad-safakhou/quizzer/internal/runtime"
)

// operatorTokenTTL bounds how long an issued operator token stays valid.
const operatorTokenTTL = 12 * time.Hour

// AuthHandler exchanges the shared operator secret for a scoped JWT.
type AuthHandler struct {
	Cfg    config.ServerConfig
	Secret []byte
}

func (a *AuthHandler) Register(g *echo.Group) {
	g.POST("/token", a.token)
}

// Token
//
//	@Summary		Issue an operator token
//	@Description	Exchanges the shared secret for a short-lived HS256 bearer token
//	@Tags			auth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		TokenRequest	true	"Token payload"
//	@Success		200		{object}	TokenResponse
//	@Failure		400		{object}	HTTPError
//	@Failure		403		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/auth/token [post]
func (a *AuthHandler) token(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "secret is required")
	}
	if !verifySecret(a.Cfg, req.Secret) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid secret")
	}

	expires := time.Now().Add(operatorTokenTTL)
	signed, err := runtime.SignJWT("operator", a.Secret, operatorTokenTTL, runtime.ScopeOperator)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	cookie := new(http.Cookie)
	cookie.Name = "auth"
	cookie.Value = signed
	cookie.Path = "/"
	cookie.HttpOnly = true
	cookie.SameSite = http.SameSiteLaxMode
	if os.Getenv("QUIZZER_ENV") == "prod" {
		cookie.Secure = true
	}
	c.SetCookie(cookie)
	// also return token for Bearer flows
	c.Response().Header().Set("Authorization", "Bearer "+signed)
	return c.JSON(http.StatusOK, TokenResponse{Token: signed, ExpiresAt: expires})
}

// verifySecret checks a caller-supplied secret against the configured one.
// A bcrypt hash takes precedence when configured; otherwise the comparison
// is constant time.
func verifySecret(cfg config.ServerConfig, candidate string) bool {
	if hash := strings.TrimSpace(cfg.SecretHash); hash != "" {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate)) == nil
	}
	if cfg.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cfg.Secret), []byte(candidate)) == 1
}
