package utils

import (
	"net/http"
	"strings"

	"mindgraphix/logx"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GenerateDashlessUUID creates a random UUID v4 without dashes.
func GenerateDashlessUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GenerateSortableID creates a UUID v7 without dashes. Ids created later
// sort after earlier ones.
func GenerateSortableID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return GenerateDashlessUUID()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// APIError is a standard structure for returning errors as JSON.
type APIError struct {
	Error string `json:"error"`
}

// GinError sends a JSON error response with a specific status code.
func GinError(c *gin.Context, statusCode int, message string) {
	if statusCode >= http.StatusInternalServerError {
		logx.Warn("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", statusCode, "message", message)
	} else {
		logx.Debug("Request rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "status", statusCode, "message", message)
	}
	c.AbortWithStatusJSON(statusCode, APIError{Error: message})
}

// GinBadRequest sends a 400 Bad Request error response.
func GinBadRequest(c *gin.Context, message string) {
	GinError(c, http.StatusBadRequest, message)
}

// GinUnauthorized sends a 401 Unauthorized error response.
func GinUnauthorized(c *gin.Context, message string) {
	GinError(c, http.StatusUnauthorized, message)
}

// GinForbidden sends a 403 Forbidden error response.
func GinForbidden(c *gin.Context, message string) {
	GinError(c, http.StatusForbidden, message)
}

// GinNotFound sends a 404 Not Found error response.
func GinNotFound(c *gin.Context, message string) {
	GinError(c, http.StatusNotFound, message)
}

// GinTooManyRequests sends a 429 Too Many Requests error response.
func GinTooManyRequests(c *gin.Context, message string) {
	GinError(c, http.StatusTooManyRequests, message)
}

// GinInternalServerError sends a 500 Internal Server Error response.
func GinInternalServerError(c *gin.Context, message string) {
	GinError(c, http.StatusInternalServerError, message)
}
