// internal/middleware/logging.go
package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/models"
)

const maxAuditBody = 64 << 10

// AuditLogMiddleware stores every mutating request against the ledger API,
// including rejected ones.
func AuditLogMiddleware(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		var requestBody []byte
		if c.Request.Body != nil {
			// Only the first maxAuditBody bytes are audited; the handler
			// still reads the whole body.
			requestBody, _ = io.ReadAll(io.LimitReader(c.Request.Body, maxAuditBody))
			c.Request.Body = readCloser{
				Reader: io.MultiReader(bytes.NewReader(requestBody), c.Request.Body),
				Closer: c.Request.Body,
			}
		}

		c.Next()

		var requestData map[string]interface{}
		if len(requestBody) > 0 {
			if err := json.Unmarshal(requestBody, &requestData); err != nil {
				requestData = map[string]interface{}{"raw": string(requestBody)}
				if len(requestBody) == maxAuditBody {
					requestData["truncated"] = true
				}
			}
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		actorID, _ := c.Get("user_id")
		actor, _ := actorID.(string)

		auditLog := &models.AuditLog{
			ActorID:      actor,
			Action:       c.Request.Method + " " + route,
			ResourceType: extractResourceType(route),
			ResourceID:   extractResourceID(c),
			StatusCode:   c.Writer.Status(),
			NewValues:    models.JSONB(requestData),
			IPAddress:    c.ClientIP(),
			UserAgent:    c.Request.UserAgent(),
		}

		if err := db.WithContext(c.Request.Context()).Create(auditLog).Error; err != nil {
			logrus.WithError(err).WithField("action", auditLog.Action).Error("Failed to create audit log")
		}
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

// extractResourceType returns the segment after /v1/ownership, for example
// "assets" or "records".
func extractResourceType(route string) string {
	parts := strings.Split(strings.Trim(route, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "ownership" {
		return parts[2]
	}
	if len(parts) >= 1 && parts[0] != "" {
		return parts[0]
	}
	return "unknown"
}

func extractResourceID(c *gin.Context) string {
	for _, name := range []string{"id", "assetId"} {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return ""
}

// RequestLogger logs each request through logrus once it has been served.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		userID, _ := c.Get("user_id")
		entry := logrus.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"duration":   time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"user_id":    userID,
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("Request processed")
		case status >= http.StatusBadRequest:
			entry.Warn("Request processed")
		default:
			entry.Info("Request processed")
		}
	}
}
