package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/carquote-api/internal/types"
	"github.com/ksred/carquote-api/pkg/response"
	"golang.org/x/time/rate"
)

const principalKey = "principal"

// TokenValidator turns a bearer token into the principal it was issued for
type TokenValidator interface {
	ValidateToken(token string) (types.Principal, error)
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	writeLimit   = rate.Limit(120.0 / 60.0)  // 120 requests per minute
	readLimit    = rate.Limit(1200.0 / 60.0) // 1200 requests per minute
	cleanupEvery = time.Minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(method, path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + method + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		burst := 1
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.HasSuffix(path, "/stream") || strings.HasSuffix(path, "/ws"):
			limit = rate.Inf // long-lived connections
		case method == "GET":
			limit = readLimit
			burst = 20
		case strings.HasPrefix(path, "/api/v1/"):
			limit = writeLimit
			burst = 5
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(cleanupEvery)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits requests per principal (or client IP before authentication) and route
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		if p, ok := GetPrincipal(c); ok {
			clientID = p.ID
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), clientID)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the principal in the context
func JWTAuth(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			// Browsers cannot set headers on EventSource or WebSocket requests
			tokenString = c.Query("access_token")
		}
		if tokenString == "" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		principal, err := validator.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects principals whose role is not in roles. Admins always pass.
func RequireRole(roles ...types.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := GetPrincipal(c)
		if !ok {
			response.Unauthorized(c, "Missing authentication claims")
			c.Abort()
			return
		}

		if principal.IsAdmin() {
			c.Next()
			return
		}
		for _, role := range roles {
			if principal.Role == role {
				c.Next()
				return
			}
		}

		response.Forbidden(c, "Insufficient permissions")
		c.Abort()
	}
}

// GetPrincipal returns the authenticated principal set by JWTAuth
func GetPrincipal(c *gin.Context) (types.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return types.Principal{}, false
	}
	principal, ok := v.(types.Principal)
	return principal, ok
}

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.Split(c.GetHeader("Authorization"), " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
