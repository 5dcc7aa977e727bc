package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// bearerToken rejects requests whose Authorization header does not carry token.
func bearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := checkBearer(token, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func checkBearer(token, header string) error {
	got, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(strings.TrimSpace(got))) != 1 {
		return ErrUnauthorized
	}
	return nil
}
