package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const claimsKey = "claims"

// BearerToken extracts the token from an Authorization header value.
// It returns "" when the header is missing or not a bearer credential.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// UserAuth enforces a dashboard user token.
func UserAuth(issuer *Issuer) gin.HandlerFunc {
	return requireKind(issuer, KindUser, "Invalid user token")
}

// DeviceAuth enforces a device token. Handlers must read the device id from
// DeviceID(c), never from the request body.
func DeviceAuth(issuer *Issuer) gin.HandlerFunc {
	return requireKind(issuer, KindDevice, "Invalid device token")
}

// RequireRole rejects users whose role differs from role. Use after UserAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok || !strings.EqualFold(claims.Role, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": strings.ToUpper(role[:1]) + strings.ToLower(role[1:]) + " access required"})
			return
		}
		c.Next()
	}
}

func requireKind(issuer *Issuer, kind TokenKind, wrongKind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := BearerToken(c.GetHeader("Authorization"))
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Access token required"})
			return
		}
		claims, err := issuer.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid or expired token"})
			return
		}
		if claims.Kind != kind || (kind == KindDevice && claims.DeviceID == "") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": wrongKind})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the verified claims stored by the middleware.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// DeviceID returns the device identity carried by a verified device token.
func DeviceID(c *gin.Context) string {
	claims, ok := ClaimsFrom(c)
	if !ok || claims.Kind != KindDevice {
		return ""
	}
	return claims.DeviceID
}
