package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const ServiceKey = "service"

// ServiceAuthMiddleware guards the internal API. Callers are other backend
// services presenting an HS256 token whose subject names the service.
type ServiceAuthMiddleware struct {
	secret []byte
}

func NewServiceAuthMiddleware(secret string) *ServiceAuthMiddleware {
	return &ServiceAuthMiddleware{secret: []byte(secret)}
}

func (am *ServiceAuthMiddleware) RequireService() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header is required"})
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer token is required"})
			return
		}

		service, err := am.verify(tokenString)
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(ServiceKey, service)
		c.Next()
	}
}

func (am *ServiceAuthMiddleware) verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return am.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// ServiceFromContext returns the calling service set by RequireService
func ServiceFromContext(c *gin.Context) string {
	return c.GetString(ServiceKey)
}
