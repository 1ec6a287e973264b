package main

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lychee-technology/celldb"
	"github.com/lychee-technology/celldb/internal"
	"golang.org/x/time/rate"
)

const callerKey = "celldb.caller"

// parseCaller validates an HS256 bearer token and returns its subject.
func parseCaller(token string, secret []byte) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	if claims.Subject == internal.SystemCaller {
		return "", errors.New("reserved subject")
	}
	return claims.Subject, nil
}

// callerMiddleware attaches the JWT subject as the request's caller identity.
// Without a secret every request runs anonymously.
func callerMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{Error: "missing bearer token"})
			return
		}
		caller, err := parseCaller(strings.TrimSpace(raw), secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, APIResponse{Error: "invalid token: " + err.Error()})
			return
		}
		c.Set(callerKey, caller)
		c.Request = c.Request.WithContext(celldb.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

type callerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	ttl      time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(limit rate.Limit, burst int) *callerLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		ttl:      15 * time.Minute,
	}
}

func (l *callerLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.limiters[key]
	if !ok {
		// idle entries are swept on insert so the map tracks active callers only
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.ttl {
				delete(l.limiters, k)
			}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// rateLimitMiddleware limits per caller, falling back to client IP for anonymous requests.
func rateLimitMiddleware(l *callerLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(callerKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !l.allow(key, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, APIResponse{
				Error: "rate limit exceeded",
				Kind:  celldb.ErrorKindResourceExhausted,
				Code:  celldb.ErrCodeTooManyRequests,
			})
			return
		}
		c.Next()
	}
}
