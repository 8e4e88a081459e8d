// Package logging provides structured logging utilities.
package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-service", "info")

	assert.NotNil(t, logger)
}

func TestNewLogger_ParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger("test-service", tt.level)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNewPrettyLogger(t *testing.T) {
	logger := NewPrettyLogger("test-service", "debug")

	assert.NotNil(t, logger)
}

func TestContextWithLogger(t *testing.T) {
	logger := NewLogger("test-service", "info")
	ctx := ContextWithLogger(context.Background(), logger)

	fromCtx := LoggerFromContext(ctx)
	assert.Equal(t, logger.GetLevel(), fromCtx.GetLevel())
}

func TestLockLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	LockLogger(logger, "g", "i").Info().Msg("test")

	out := buf.String()
	assert.Contains(t, out, `"lockGroup":"g"`)
	assert.Contains(t, out, `"lockId":"i"`)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	router := gin.New()
	router.Use(RequestLogger(logger))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/missing", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	out := buf.String()
	assert.Contains(t, out, `"type":"http_request"`)
	assert.Contains(t, out, `"path":"/ok"`)
	assert.Contains(t, out, `"level":"info"`)

	buf.Reset()
	req = httptest.NewRequest(http.MethodGet, "/missing", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Client errors log at warn.
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
