/**
 * @description
 * Order API authentication: a static bearer-token allowlist, with an
 * optional JWKS-backed JWT path for deployments that front the API with an
 * identity provider instead of (or alongside) long-lived tokens.
 *
 * @dependencies
 * - github.com/gofiber/fiber/v2: HTTP context
 * - github.com/golang-jwt/jwt/v5, github.com/MicahParks/keyfunc/v2: optional JWKS validation
 */

package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ssmd-go/ssmd/internal/config"
	"github.com/ssmd-go/ssmd/internal/logger"
)

// authMiddlewareConfig holds the validated bearer-token set and, optionally,
// the JWKS cache used to validate JWTs bearing a different scheme.
type authMiddlewareConfig struct {
	tokens map[string]struct{}
	jwks   *keyfunc.JWKS
	aud    string
}

var mwConfig *authMiddlewareConfig

// InitAuthMiddleware builds the token allowlist and, if cfg.Auth.JWKSURL is
// set, starts a background-refreshed JWKS cache. Called once at startup.
func InitAuthMiddleware(cfg *config.Config) error {
	ac := &authMiddlewareConfig{tokens: make(map[string]struct{}, len(cfg.Auth.BearerTokens)), aud: cfg.Auth.JWKSAudience}
	for _, t := range cfg.Auth.BearerTokens {
		if t != "" {
			ac.tokens[t] = struct{}{}
		}
	}

	if cfg.Auth.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.Auth.JWKSURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.Error("jwks refresh failed: %v", err)
			},
		})
		if err != nil {
			return err
		}
		ac.jwks = jwks
	}

	mwConfig = ac
	logger.Info("auth middleware initialized: %d static token(s), jwks=%v", len(ac.tokens), ac.jwks != nil)
	return nil
}

// RequireAuth protects a route group: the bearer token must either be in
// the static allowlist or, when JWKS validation is configured, parse as a
// JWT signed by a key in the JWKS set.
func RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if mwConfig == nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "auth not initialized"})
		}

		authHeader := c.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" || tokenString == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing or malformed authorization header"})
		}

		if _, ok := mwConfig.tokens[tokenString]; ok {
			c.Locals("auth_subject", "static")
			return c.Next()
		}

		if mwConfig.jwks == nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		token, err := jwt.Parse(tokenString, mwConfig.jwks.Keyfunc)
		if err != nil || !token.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token"})
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token claims"})
		}
		if mwConfig.aud != "" && !claims.VerifyAudience(mwConfig.aud, true) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "audience mismatch"})
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			sub = "jwt"
		}
		c.Locals("auth_subject", sub)
		return c.Next()
	}
}

// AuthSubject returns the caller identity RequireAuth attached to the
// request context.
func AuthSubject(c *fiber.Ctx) (string, error) {
	sub, ok := c.Locals("auth_subject").(string)
	if !ok {
		return "", errors.New("auth subject not found in context")
	}
	return sub, nil
}
