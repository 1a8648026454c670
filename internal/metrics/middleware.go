package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware returns a middleware that records HTTP metrics
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Route templates keep label cardinality bounded; unmatched paths fall back to normalization
		path := c.FullPath()
		if path == "" {
			path = normalizePath(c.Request.URL.Path)
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		m.RecordHTTPRequest(c.Request.Method, path, status, duration, c.Writer.Size())
	}
}

// normalizePath normalizes the path for metric labels
// This prevents high cardinality from dynamic path segments
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// Replace UUIDs and numeric IDs with placeholder
		if isUUID(part) || isNumericID(part) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

// isUUID checks if a string looks like a UUID
func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
		} else if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// isNumericID checks if a string is a numeric ID
func isNumericID(s string) bool {
	if len(s) == 0 || len(s) > 20 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
