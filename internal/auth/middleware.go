package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPartyID is the key for storing the authenticated party ID
	ContextKeyPartyID = "authPartyID"
	// ContextKeyAdminID is the key for storing the acting admin ID
	ContextKeyAdminID = "authAdminID"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authPartyID in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyPartyID, key.PartyID)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid party API key.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards arbitration routes with the shared admin secret.
// The acting admin's name comes from X-Admin-ID, defaulting to "admin".
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := c.GetHeader("X-Admin-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid X-Admin-Secret header required",
			})
			return
		}
		adminID := c.GetHeader("X-Admin-ID")
		if adminID == "" {
			adminID = "admin"
		}
		c.Set(ContextKeyAdminID, adminID)
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// GetAuthenticatedParty returns the authenticated party's ID.
func GetAuthenticatedParty(c *gin.Context) string {
	id, exists := c.Get(ContextKeyPartyID)
	if !exists {
		return ""
	}
	return id.(string)
}

// GetAdminID returns the acting admin's ID on admin routes.
func GetAdminID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyAdminID)
	if !exists {
		return ""
	}
	return id.(string)
}

// IsAuthenticated checks if the request carries a valid party key.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
