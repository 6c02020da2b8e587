package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RequireToken guards mutating endpoints with a shared bearer token.
// A missing credential is 401, a wrong one 403.
func RequireToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			Error(c, http.StatusUnauthorized, errors.New("missing credentials"))
			c.Abort()
			return
		}

		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			Error(c, http.StatusUnauthorized, errors.New("malformed authorization header"))
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			Error(c, http.StatusForbidden, errors.New("invalid token"))
			c.Abort()
			return
		}

		c.Next()
	}
}
