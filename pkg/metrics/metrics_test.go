package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCollector(t *testing.T) {
	collector := NewMetricsCollector()

	collector.RecordHTTPRequest(http.StatusOK, 10*time.Millisecond)
	collector.RecordHTTPRequest(http.StatusBadRequest, time.Millisecond)
	collector.RecordHTTPRequest(http.StatusInternalServerError, time.Millisecond)

	collector.RecordChunk(true, 2048)
	collector.RecordChunk(false, 2048)

	collector.RecordMerge(MergeCompleted, 4096)
	collector.RecordMerge(MergeRejected, 0)
	collector.RecordMerge(MergeFailed, 0)

	snap := collector.Snapshot()
	assert.Equal(t, int64(3), snap.HTTP.Requests)
	assert.Equal(t, int64(1), snap.HTTP.ClientErrors)
	assert.Equal(t, int64(1), snap.HTTP.ServerErrors)

	assert.Equal(t, int64(1), snap.Chunks.Stored)
	assert.Equal(t, int64(1), snap.Chunks.Deduplicated)
	assert.Equal(t, int64(2048), snap.Chunks.Bytes)
	assert.Equal(t, "2.0 KiB", snap.Chunks.BytesHuman)

	assert.Equal(t, int64(1), snap.Merges.Completed)
	assert.Equal(t, int64(1), snap.Merges.Rejected)
	assert.Equal(t, int64(1), snap.Merges.Failed)
	assert.Equal(t, int64(4096), snap.Merges.Bytes)
	assert.Positive(t, snap.System.Goroutines)
}

func TestNilCollectorIgnoresRecords(t *testing.T) {
	var collector *MetricsCollector
	assert.NotPanics(t, func() {
		collector.RecordHTTPRequest(http.StatusOK, time.Millisecond)
		collector.RecordChunk(true, 1)
		collector.RecordMerge(MergeCompleted, 1)
	})
}

func TestMiddlewareAndRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collector := NewMetricsCollector()

	router := gin.New()
	router.Use(collector.Middleware())
	collector.RegisterRoutes(router)
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusServiceUnavailable) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(2), snap.HTTP.Requests, "the metrics request itself is recorded after it responds")
	assert.Equal(t, int64(1), snap.HTTP.ServerErrors)
	assert.Equal(t, int64(1), snap.HTTP.ClientErrors)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1048576, "1.0 MiB"},
		{1073741824, "1.0 GiB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatBytes(tt.bytes))
	}
}
