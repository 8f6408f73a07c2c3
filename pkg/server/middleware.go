package server

import (
	"net/http"
	"strings"

	"github.com/benamails/stravagptfaby/pkg/core"
	"github.com/gin-gonic/gin"
)

// corsMiddleware is an optimized CORS handler for Gin.
// It merges allowed headers with defaults, sets standard options, and can be further customized.
func corsMiddleware(allowedHeaders ...string) gin.HandlerFunc {
	defaultHeaders := []string{"Authorization", "Content-Type"}
	var headersList []string
	if len(allowedHeaders) > 0 {
		headers := make([]string, 0, len(defaultHeaders)+len(allowedHeaders))
		headers = append(headers, defaultHeaders...)
		for _, h := range allowedHeaders {
			hNorm := strings.TrimSpace(h)
			if hNorm != "" && hNorm != "*" && !containsCI(headers, hNorm) {
				headers = append(headers, hNorm)
			}
		}
		headersList = headers
	} else {
		headersList = defaultHeaders
	}

	allowedMethods := []string{"GET", "POST", "OPTIONS"}
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
		c.Header("Access-Control-Allow-Headers", strings.Join(headersList, ", "))
		c.Header("Access-Control-Max-Age", "86400")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware attaches a generated request id to the request context
// so every log line downstream carries it.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := core.WithRequestID(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-Id", core.RequestIDFromCtx(ctx))
		c.Next()
	}
}

// bearerAuth verifies the application bearer token and stores the athlete id
// in the request context. Missing and invalid tokens are rejected alike; no
// Strava call is ever made for an unauthenticated request.
func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		athleteID, err := s.issuer.Verify(raw)
		if err != nil {
			core.LoggerFromCtx(c.Request.Context()).Warn("rejected bearer token", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(core.WithAthleteID(c.Request.Context(), athleteID))
		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// containsCI checks if slice contains item (case-insensitive).
func containsCI(slice []string, item string) bool {
	item = strings.ToLower(item)
	for _, s := range slice {
		if strings.ToLower(s) == item {
			return true
		}
	}
	return false
}
