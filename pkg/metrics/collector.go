package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// MergeOutcome classifies the end of a merge request
type MergeOutcome int

const (
	MergeCompleted MergeOutcome = iota
	// MergeRejected means the combined hash did not match
	MergeRejected
	// MergeFailed means the server could not complete the merge
	MergeFailed
)

// MetricsCollector counts HTTP traffic, stored chunks and merges. A nil
// collector records nothing.
type MetricsCollector struct {
	startTime time.Time

	httpRequests     atomic.Int64
	httpClientErrors atomic.Int64
	httpServerErrors atomic.Int64
	httpResponseTime atomic.Int64

	chunksStored       atomic.Int64
	chunksDeduplicated atomic.Int64
	chunkBytes         atomic.Int64

	mergesCompleted atomic.Int64
	mergesRejected  atomic.Int64
	mergesFailed    atomic.Int64
	mergedBytes     atomic.Int64
}

// NewMetricsCollector creates a collector starting now
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// RecordHTTPRequest records one served request
func (mc *MetricsCollector) RecordHTTPRequest(status int, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequests.Add(1)
	mc.httpResponseTime.Store(int64(duration))
	switch {
	case status >= 500:
		mc.httpServerErrors.Add(1)
	case status >= 400:
		mc.httpClientErrors.Add(1)
	}
}

// RecordChunk records an accepted chunk upload. stored is false when the
// chunk already existed.
func (mc *MetricsCollector) RecordChunk(stored bool, size int64) {
	if mc == nil {
		return
	}
	if !stored {
		mc.chunksDeduplicated.Add(1)
		return
	}
	mc.chunksStored.Add(1)
	mc.chunkBytes.Add(size)
}

// RecordMerge records the outcome of a merge request
func (mc *MetricsCollector) RecordMerge(outcome MergeOutcome, size int64) {
	if mc == nil {
		return
	}
	switch outcome {
	case MergeCompleted:
		mc.mergesCompleted.Add(1)
		mc.mergedBytes.Add(size)
	case MergeRejected:
		mc.mergesRejected.Add(1)
	case MergeFailed:
		mc.mergesFailed.Add(1)
	}
}

// Snapshot is a point-in-time copy of every counter
type Snapshot struct {
	Uptime string      `json:"uptime"`
	HTTP   HTTPStats   `json:"http"`
	Chunks ChunkStats  `json:"chunks"`
	Merges MergeStats  `json:"merges"`
	System SystemStats `json:"system"`
}

type HTTPStats struct {
	Requests         int64  `json:"total_requests"`
	ClientErrors     int64  `json:"client_errors"`
	ServerErrors     int64  `json:"server_errors"`
	LastResponseTime string `json:"last_response_time"`
}

type ChunkStats struct {
	Stored       int64  `json:"stored"`
	Deduplicated int64  `json:"deduplicated"`
	Bytes        int64  `json:"bytes"`
	BytesHuman   string `json:"bytes_human"`
}

type MergeStats struct {
	Completed  int64  `json:"completed"`
	Rejected   int64  `json:"rejected"`
	Failed     int64  `json:"failed"`
	Bytes      int64  `json:"bytes"`
	BytesHuman string `json:"bytes_human"`
}

type SystemStats struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc"`
}

// Snapshot returns the current counters
func (mc *MetricsCollector) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		Uptime: time.Since(mc.startTime).Round(time.Second).String(),
		HTTP: HTTPStats{
			Requests:         mc.httpRequests.Load(),
			ClientErrors:     mc.httpClientErrors.Load(),
			ServerErrors:     mc.httpServerErrors.Load(),
			LastResponseTime: time.Duration(mc.httpResponseTime.Load()).String(),
		},
		Chunks: ChunkStats{
			Stored:       mc.chunksStored.Load(),
			Deduplicated: mc.chunksDeduplicated.Load(),
			Bytes:        mc.chunkBytes.Load(),
			BytesHuman:   formatBytes(mc.chunkBytes.Load()),
		},
		Merges: MergeStats{
			Completed:  mc.mergesCompleted.Load(),
			Rejected:   mc.mergesRejected.Load(),
			Failed:     mc.mergesFailed.Load(),
			Bytes:      mc.mergedBytes.Load(),
			BytesHuman: formatBytes(mc.mergedBytes.Load()),
		},
		System: SystemStats{
			Goroutines:  runtime.NumGoroutine(),
			MemoryAlloc: mem.Alloc,
		},
	}
}

// formatBytes formats a byte count with binary units
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// Middleware records every request passing through the engine
func (mc *MetricsCollector) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		mc.RecordHTTPRequest(c.Writer.Status(), time.Since(start))
	}
}

// RegisterRoutes exposes the snapshot at GET /metrics
func (mc *MetricsCollector) RegisterRoutes(router gin.IRouter) {
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, mc.Snapshot())
	})
}
