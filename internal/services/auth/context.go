package auth

import (
	"github.com/gofiber/fiber/v2"
)

const localsKey = "auth_context"

// AuthContext carries the authenticated identity through a request.
type AuthContext struct {
	Identity *Identity
}

func SetAuthContext(c *fiber.Ctx, authCtx *AuthContext) {
	c.Locals(localsKey, authCtx)
}

func GetAuthContext(c *fiber.Ctx) *AuthContext {
	authCtx, ok := c.Locals(localsKey).(*AuthContext)
	if !ok {
		return nil
	}
	return authCtx
}

// GetIdentity returns the caller's identity, if authenticated.
func GetIdentity(c *fiber.Ctx) (*Identity, bool) {
	authCtx := GetAuthContext(c)
	if authCtx == nil || authCtx.Identity == nil {
		return nil, false
	}
	return authCtx.Identity, true
}

// GetUserID returns the authenticated user ID, if any.
func GetUserID(c *fiber.Ctx) (string, bool) {
	identity, ok := GetIdentity(c)
	if !ok {
		return "", false
	}
	return identity.UserID, identity.UserID != ""
}
