package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// ──────────────────────────────────────────────────────────────────
// Bearer Token Authentication
//
// Reads API_AUTH_TOKEN from environment. If set, every protected route
// (run submission, run inspection, aggregate queries) requires:
//
//	Authorization: Bearer <token>
//
// The stream and progress endpoints stay public: they only ever carry
// privacy-protected data, while protected routes can launch CPU-heavy
// pipeline runs against operator-named input files.
// ──────────────────────────────────────────────────────────────────

// bearerToken extracts the token from an Authorization header, empty if
// the header is missing or not Bearer-shaped.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || scheme != "Bearer" {
		return ""
	}
	return token
}

// AuthMiddleware returns a Gin middleware that validates bearer tokens.
// If API_AUTH_TOKEN is not set, all requests are allowed (dev mode).
// WARNING: In GIN_MODE=release, leaving API_AUTH_TOKEN unset lets anyone
// submit pipeline runs against any path the process can read. Always set
// a strong token in prod.
func AuthMiddleware() gin.HandlerFunc {
	configured := os.Getenv("API_AUTH_TOKEN")

	// Fail loudly in production if auth is not configured.
	if configured == "" && os.Getenv("GIN_MODE") == "release" {
		log.Println("[SECURITY WARNING] API_AUTH_TOKEN is not set in release mode. " +
			"Anyone reaching this engine can submit synthesis runs. " +
			"Set API_AUTH_TOKEN in your environment to enforce authentication.")
	}

	return func(c *gin.Context) {
		// No token configured: development mode, skip auth.
		if configured == "" {
			c.Next()
			return
		}

		presented := bearerToken(c)
		if presented == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing or malformed Authorization header",
				"hint":  "Use: Authorization: Bearer <API_AUTH_TOKEN>",
			})
			c.Abort()
			return
		}

		// Constant-time comparison prevents timing-based token enumeration.
		if subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
