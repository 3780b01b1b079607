package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentictrust/tokenauthority/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RouterDeps holds dependencies for router initialization.
type RouterDeps struct {
	Handlers *Handlers
	// StopRateLimiter is set by NewRouter. Call it during graceful shutdown
	// to stop the rate limiter's background cleanup goroutine.
	StopRateLimiter func()
}

// NewRouter creates and configures the HTTP router for the token
// authority's OAuth 2.1/OIDC-A surface (spec §6).
func NewRouter(cfg *config.Config, deps *RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	// Safe default: do not trust any proxy headers (X-Forwarded-For, etc.)
	// Production should configure trusted proxy CIDRs explicitly.
	r.SetTrustedProxies(nil)
	r.Use(gin.Recovery())
	r.Use(securityHeadersMiddleware())
	r.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20) // 1MB
		c.Next()
	})
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	h := deps.Handlers

	r.GET("/health", healthCheck)
	r.GET("/ready", makeReadinessCheck(h))

	// Discovery surface, unauthenticated per OIDC convention.
	r.GET("/.well-known/openid-configuration", h.WellKnownConfiguration)
	r.GET("/.well-known/jwks.json", h.JWKS)

	rl := newRateLimiter(100, time.Minute)
	deps.StopRateLimiter = rl.Stop

	oauth := r.Group("/api/oauth")
	oauth.Use(rateLimitMiddleware(rl))
	{
		oauth.GET("/authorize", h.Authorize)
		oauth.POST("/token", h.Token)
		oauth.POST("/introspect", h.Introspect)
		oauth.POST("/revoke", h.Revoke)
		oauth.POST("/verify", h.Verify)
		oauth.GET("/scopes", h.ScopeRegistry)
		oauth.POST("/scopes/expand", h.ExpandScopes)

		grants := oauth.Group("/delegation-grants")
		grants.Use(bearerTokenMiddleware(cfg.Authority.BearerToken))
		{
			grants.POST("", h.CreateDelegationGrant)
			grants.GET("", h.ListDelegationGrants)
			grants.DELETE("/:id", h.RevokeDelegationGrant)
		}
	}

	return r
}

// rateLimiter implements a simple in-memory sliding-window rate limiter,
// keyed on bearer identity when present and IP otherwise.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string][]time.Time
	limit    int
	window   time.Duration
	done     chan struct{}
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop terminates the cleanup goroutine.
func (rl *rateLimiter) Stop() {
	close(rl.done)
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	timestamps := rl.visitors[key]
	valid := make([]time.Time, 0, len(timestamps))
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= rl.limit {
		rl.visitors[key] = valid
		return false
	}

	rl.visitors[key] = append(valid, now)
	return true
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			cutoff := now.Add(-rl.window)
			for key, timestamps := range rl.visitors {
				valid := make([]time.Time, 0, len(timestamps))
				for _, ts := range timestamps {
					if ts.After(cutoff) {
						valid = append(valid, ts)
					}
				}
				if len(valid) == 0 {
					delete(rl.visitors, key)
				} else {
					rl.visitors[key] = valid
				}
			}
			rl.mu.Unlock()
		}
	}
}

// securityHeadersMiddleware adds security response headers to all responses.
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

func rateLimitMiddleware(rl *rateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Key on client_id in the request body when present would require
		// buffering the body twice; keep this IP-keyed like the bearer-token
		// case the teacher's admin API used, since OAuth endpoints identify
		// the caller via client_id/client_secret in the body, not a header.
		key := c.ClientIP()
		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if len(token) >= 8 {
				// Use last 8 chars as key suffix to avoid storing full tokens in memory.
				key = "bearer:" + token[len(token)-8:]
			}
		}

		if !rl.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, o := range allowedOrigins {
			if o == "*" {
				allowed = true
				wildcard = true
				break
			}
			if o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// bearerTokenMiddleware guards the delegation-grant management endpoints
// with a static operator bearer token (spec §6 AUTH_BEARER_TOKEN-equivalent
// administrative credential), compared in constant time.
func bearerTokenMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		log.Warn().Msg("authority.bearer_token is not configured — administrative endpoints will reject all requests")
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
	}
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		provided := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func makeReadinessCheck(h *Handlers) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		ready := true

		if h == nil || h.authority == nil {
			checks["authority"] = "unavailable"
			ready = false
		} else {
			checks["authority"] = "ok"
		}

		if h == nil || h.keys == nil {
			checks["signing_keys"] = "unavailable"
			ready = false
		} else {
			checks["signing_keys"] = "ok"
		}

		status := http.StatusOK
		statusStr := "ready"
		if !ready {
			status = http.StatusServiceUnavailable
			statusStr = "degraded"
		}

		c.JSON(status, gin.H{
			"status":    statusStr,
			"checks":    checks,
			"timestamp": time.Now().UTC(),
		})
	}
}
