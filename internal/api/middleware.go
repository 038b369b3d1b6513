package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PayRpc/rpc-sprint/internal/ratelimit"
	"github.com/PayRpc/rpc-sprint/internal/rpc"
)

// securityHeaders sets the baseline defensive headers on every response,
// matching the teacher's securityMiddleware.
func (s *Server) securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		c.Next()
	}
}

// rateLimitMiddleware applies the global and per-IP tiers ahead of the
// method-specific check handleRPC performs once it knows the JSON-RPC
// method name.
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		result := s.limiter.Check(ratelimit.Context{
			IPAddress: clientIP(c.Request),
			APIKey:    c.GetHeader("X-API-Key"),
		})
		if !result.Allowed {
			s.logger.Warn("rate limit exceeded",
				zap.String("ip", clientIP(c.Request)),
				zap.String("reason", result.Reason))
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				rpc.NewError(nil, rpc.CodeRateLimited, "rate limit exceeded: "+result.Reason, nil))
			return
		}
		c.Next()
	}
}

// checkMethodRateLimit applies the per-method tier once the request body
// has been parsed. Writes the 429 response itself and reports whether the
// caller should continue routing.
func (s *Server) checkMethodRateLimit(c *gin.Context, method string) bool {
	if s.limiter == nil {
		return true
	}
	result := s.limiter.Check(ratelimit.Context{
		IPAddress: clientIP(c.Request),
		APIKey:    c.GetHeader("X-API-Key"),
		Method:    method,
	})
	if !result.Allowed {
		c.JSON(http.StatusTooManyRequests,
			rpc.NewError(nil, rpc.CodeRateLimited, "rate limit exceeded: "+result.Reason, nil))
		return false
	}
	return true
}

// clientIP extracts the caller's address, preferring proxy headers over
// RemoteAddr the way the teacher's getClientIP does.
func clientIP(r *http.Request) string {
	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		if ip := r.Header.Get(header); ip != "" {
			if strings.Contains(ip, ",") {
				return strings.TrimSpace(strings.Split(ip, ",")[0])
			}
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
