package credkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsContextKey is where RequireAuth stores the authenticated claims.
const ClaimsContextKey = "auth_claims"

const bearerPrefix = "Bearer "

// BearerToken extracts the bearer token from an Authorization header.
func BearerToken(request *http.Request) (string, bool) {
	header := request.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	tokenString := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if tokenString == "" {
		return "", false
	}
	return tokenString, true
}

// RequireAuth validates the bearer access token through the manager, covering
// both signature/expiry and the revocation check, and injects the claims.
func RequireAuth(manager *CredentialManager) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		tokenString, ok := BearerToken(contextGin.Request)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		claims, authErr := manager.Authenticate(contextGin.Request.Context(), tokenString)
		if authErr != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims injected by RequireAuth.
func ClaimsFromContext(contextGin *gin.Context) (*Claims, bool) {
	value, exists := contextGin.Get(ClaimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}
