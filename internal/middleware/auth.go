package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/apperr"
	"marketplace-chat/internal/identity"
)

// AuthMiddleware validates the bearer token and stores the user id under "userID".
func AuthMiddleware(auth identity.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		token, err := identity.ParseBearerToken(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			status := apperr.HTTPStatus(err)
			if status == http.StatusUnauthorized {
				c.AbortWithStatusJSON(status, gin.H{"error": "invalid token"})
				return
			}
			c.AbortWithStatusJSON(status, gin.H{"error": apperr.Code(err)})
			return
		}

		c.Set("userID", user.ID)
		c.Set("userName", user.DisplayName)
		c.Next()
	}
}
