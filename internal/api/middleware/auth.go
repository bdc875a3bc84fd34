// Package middleware holds Gin middleware for the gateway's two HTTP
// surfaces: Bearer API-key auth for the public OpenAI-compatible endpoints,
// and bcrypt admin-key auth with per-IP lockout for the admin surface.
// Grounded on the teacher's internal/api/handlers/management.Handler.
package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth authenticates the public surface with a Bearer token checked
// against keys in constant time. When keys is empty every request passes
// (legacy/open deployment), matching the teacher's no-providers behavior.
func APIKeyAuth(keys []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(keys) == 0 {
			c.Next()
			return
		}
		provided := bearerToken(c)
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing API key", "type": "authentication_error"}})
			return
		}
		for _, k := range keys {
			if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
				c.Set("api_key", provided)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid API key", "type": "authentication_error"}})
	}
}

func bearerToken(c *gin.Context) string {
	ah := c.GetHeader("Authorization")
	if ah == "" {
		return ""
	}
	parts := strings.SplitN(ah, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return parts[1]
	}
	return ah
}

type attemptInfo struct {
	count        int
	blockedUntil time.Time
}

// AdminAuth guards the admin surface with a bcrypt-hashed key and locks out
// remote IPs after repeated failures, grounded on the teacher's management
// Handler.Middleware. hashedKey is the bcrypt hash of the configured
// admin-key; allowRemote mirrors allow-remote-admin.
type AdminAuth struct {
	hashedKey   []byte
	allowRemote bool

	mu       sync.Mutex
	attempts map[string]*attemptInfo
}

const (
	adminMaxFailures = 5
	adminBanDuration = 30 * time.Minute
)

// NewAdminAuth hashes plainKey once at construction; every request then
// pays only a bcrypt compare, not a hash.
func NewAdminAuth(plainKey string, allowRemote bool) (*AdminAuth, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("middleware: hash admin key: %w", err)
	}
	return &AdminAuth{hashedKey: hash, allowRemote: allowRemote, attempts: make(map[string]*attemptInfo)}, nil
}

// Handler returns the Gin middleware. A nil *AdminAuth (no admin key
// configured) rejects every request rather than defaulting open, since
// the admin surface carries pool mutation and batch control.
func (a *AdminAuth) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface disabled: no admin-key configured"})
			return
		}

		clientIP := c.ClientIP()
		isLoopback := clientIP == "127.0.0.1" || clientIP == "::1"

		if !isLoopback {
			a.mu.Lock()
			ai := a.attempts[clientIP]
			if ai != nil && !ai.blockedUntil.IsZero() && time.Now().Before(ai.blockedUntil) {
				remaining := time.Until(ai.blockedUntil).Round(time.Second)
				a.mu.Unlock()
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": fmt.Sprintf("IP banned after repeated failed admin auth; retry in %s", remaining)})
				return
			}
			a.mu.Unlock()
			if !a.allowRemote {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface not permitted from remote clients"})
				return
			}
		}

		provided := bearerToken(c)
		if provided == "" {
			provided = c.GetHeader("X-Admin-Key")
		}
		if provided == "" || bcrypt.CompareHashAndPassword(a.hashedKey, []byte(provided)) != nil {
			if !isLoopback {
				a.recordFailure(clientIP)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Next()
	}
}

func (a *AdminAuth) recordFailure(ip string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ai := a.attempts[ip]
	if ai == nil {
		ai = &attemptInfo{}
		a.attempts[ip] = ai
	}
	ai.count++
	if ai.count >= adminMaxFailures {
		ai.blockedUntil = time.Now().Add(adminBanDuration)
		ai.count = 0
	}
}
