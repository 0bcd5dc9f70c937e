package auth

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/promptsettle/internal/apierr"
	"github.com/mbd888/promptsettle/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// HeaderAdminSecret carries the operator secret on admin routes
	HeaderAdminSecret = "X-Admin-Secret"
)

// RequireUser rejects requests without a valid bearer token and records the
// user as the request's actor.
func RequireUser(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c.GetHeader("Authorization"))
		if tok == "" {
			apierr.Respond(c, ErrMissingToken)
			c.Abort()
			return
		}
		claims, err := v.Verify(tok)
		if err != nil {
			apierr.Respond(c, err)
			c.Abort()
			return
		}

		c.Set(ContextKeyUserID, claims.Subject)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			apierr.Respond(c, ErrAdminOnly)
			c.Abort()
			return
		}
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), "admin"))
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside RequireUser.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
