package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mooncorn/payrecon/internal/models"
)

const callerKey = "caller"

// TokenParser resolves a bearer token to the caller it names
type TokenParser interface {
	ParseAccessToken(token string) (*models.Caller, error)
}

// AuthMiddleware requires a valid bearer token and stores the caller in the context
func AuthMiddleware(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		caller, err := parser.ParseAccessToken(strings.TrimSpace(token))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// GetCaller returns the authenticated caller, or nil outside AuthMiddleware
func GetCaller(c *gin.Context) *models.Caller {
	v, exists := c.Get(callerKey)
	if !exists {
		return nil
	}
	caller, _ := v.(*models.Caller)
	return caller
}
