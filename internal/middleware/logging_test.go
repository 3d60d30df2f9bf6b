// internal/middleware/logging_test.go
package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/javajoker/imi-ledger/internal/config"
	"github.com/javajoker/imi-ledger/internal/database"
	"github.com/javajoker/imi-ledger/internal/models"
)

func openAuditDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Initialize(config.DatabaseConfig{
		Driver:     database.DriverSQLite,
		SQLitePath: fmt.Sprintf("%s?mode=memory&cache=shared", uuid.NewString()),
		LogLevel:   "silent",
	})
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db))
	t.Cleanup(func() { database.Close(db) })
	return db
}

func TestAuditLogKeepsFullRequestBody(t *testing.T) {
	db := openAuditDB(t)

	var received int
	r := gin.New()
	r.Use(AuditLogMiddleware(db))
	r.PUT("/v1/ownership/assets/:assetId/owners", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		require.NoError(t, err)
		received = len(body)
		c.Status(http.StatusNoContent)
	})

	body := bytes.Repeat([]byte("a"), 100<<10)
	req := httptest.NewRequest(http.MethodPut, "/v1/ownership/assets/asset-1/owners", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, len(body), received)

	var logs []models.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "assets", logs[0].ResourceType)
	assert.Equal(t, "asset-1", logs[0].ResourceID)
	assert.Equal(t, true, logs[0].NewValues["truncated"])
	raw, _ := logs[0].NewValues["raw"].(string)
	assert.Len(t, raw, maxAuditBody)
}

func TestAuditLogSkipsReads(t *testing.T) {
	db := openAuditDB(t)
	r := newTestEngine(AuditLogMiddleware(db))

	w := serve(r, http.MethodGet, "")
	require.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).Count(&count).Error)
	assert.Zero(t, count)
}
