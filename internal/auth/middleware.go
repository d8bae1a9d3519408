package auth

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"arc-sync/internal/engine"
	"arc-sync/internal/metadata"
)

const userLocal = "user"

// AuthMiddleware validates the bearer token and attaches the caller to the
// fiber locals and to the request context.
func AuthMiddleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}
		token, ok := bearerToken(header)
		if !ok {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(token, secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		user := &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles}
		c.Locals(userLocal, user)
		c.SetUserContext(metadata.WithUser(c.UserContext(), user))
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// RequirePermission rejects callers whose roles do not grant p. It must run
// after AuthMiddleware.
func RequirePermission(p metadata.Permission) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.Can(p) {
			return engine.ForbiddenError(fmt.Sprintf("Permission %s required", p))
		}
		return c.Next()
	}
}

// GetUser returns the caller set by AuthMiddleware, or nil.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(userLocal).(*metadata.UserContext)
	return user
}
