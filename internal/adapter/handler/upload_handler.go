package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/usecase"
	"github.com/zots0127/chunkup/pkg/metrics"
)

// Response detail strings, kept stable for existing clients
const (
	detailChunkExists   = "Chunk already exists"
	detailChunkUploaded = "Chunk uploaded successfully"
	detailFileMerged    = "File merged successfully"
	detailUploadAborted = "Upload aborted"
)

// UploadHandler serves the chunked upload API
type UploadHandler struct {
	uploadUseCase *usecase.UploadUseCase
	logger        *slog.Logger
	metrics       *metrics.MetricsCollector
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(uploadUseCase *usecase.UploadUseCase, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		uploadUseCase: uploadUseCase,
		logger:        logger,
	}
}

// SetMetrics makes the handler count chunks and merges
func (h *UploadHandler) SetMetrics(collector *metrics.MetricsCollector) {
	h.metrics = collector
}

// RegisterRoutes registers upload routes
func (h *UploadHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/existing-chunks", h.GetExistingChunks)
	router.POST("/upload", h.UploadChunk)
	router.POST("/merge", h.MergeChunks)
	router.GET("/existing-file", h.GetExistingFile)
	router.GET("/sessions/:fileName", h.GetSession)
	router.DELETE("/chunks", h.AbortUpload)
}

// GetExistingChunks lists the chunks already stored for a file
func (h *UploadHandler) GetExistingChunks(c *gin.Context) {
	chunks, err := h.uploadUseCase.ListExistingChunks(c.Request.Context(), c.Query("fileName"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"existingChunks": chunks})
}

// UploadChunk stores one multipart chunk
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	fileName := c.PostForm("fileName")
	chunkHash := c.PostForm("chunkHash")
	if fileName == "" || chunkHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing fileName or chunkHash"})
		return
	}

	index, err := strconv.Atoi(c.PostForm("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": entities.ErrInvalidChunkIndex.Error()})
		return
	}

	file, header, err := c.Request.FormFile("chunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No chunk provided"})
		return
	}
	defer file.Close()

	result, err := h.uploadUseCase.UploadChunk(c.Request.Context(), entities.Chunk{
		FileName: fileName,
		Index:    index,
		Hash:     chunkHash,
		Size:     header.Size,
	}, file)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.metrics.RecordChunk(result.Stored, header.Size)
	detail := detailChunkUploaded
	if !result.Stored {
		detail = detailChunkExists
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok", "detail": detail})
}

// MergeChunks assembles and verifies an uploaded file
func (h *UploadHandler) MergeChunks(c *gin.Context) {
	var req entities.MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	result, err := h.uploadUseCase.MergeChunks(c.Request.Context(), req)
	if err != nil {
		var integrityErr *entities.IntegrityError
		if errors.As(err, &integrityErr) {
			h.metrics.RecordMerge(metrics.MergeRejected, 0)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":         entities.ErrInvalidCombinedHash.Error(),
				"corruptChunks": integrityErr.CorruptChunks,
			})
			return
		}
		if !entities.IsClientFault(err) {
			h.metrics.RecordMerge(metrics.MergeFailed, 0)
		}
		h.respondError(c, err)
		return
	}

	h.metrics.RecordMerge(metrics.MergeCompleted, result.Size)
	c.JSON(http.StatusOK, gin.H{
		"message": "ok",
		"detail":  detailFileMerged,
		"hash":    result.Hash,
		"size":    result.Size,
	})
}

// GetExistingFile reports whether a file has been published
func (h *UploadHandler) GetExistingFile(c *gin.Context) {
	info, err := h.uploadUseCase.ExistingFile(c.Request.Context(), c.Query("fileName"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetSession returns the upload session of a file
func (h *UploadHandler) GetSession(c *gin.Context) {
	session, err := h.uploadUseCase.GetSession(c.Request.Context(), c.Param("fileName"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// AbortUpload discards the stored chunks of a file
func (h *UploadHandler) AbortUpload(c *gin.Context) {
	if err := h.uploadUseCase.AbortUpload(c.Request.Context(), c.Query("fileName")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "ok", "detail": detailUploadAborted})
}

// respondError maps use case errors to status codes. Client faults carry
// their sentinel message; server faults are logged and reported generically.
func (h *UploadHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, entities.ErrMergeInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": entities.ErrMergeInProgress.Error()})
	case errors.Is(err, entities.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": entities.ErrSessionNotFound.Error()})
	case entities.IsClientFault(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": clientReason(err)})
	default:
		c.Error(err)
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func clientReason(err error) string {
	for _, target := range []error{
		entities.ErrInvalidFileName,
		entities.ErrInvalidChunkIndex,
		entities.ErrInvalidChunkHash,
		entities.ErrInvalidCombinedHash,
		entities.ErrChunkTooLarge,
		entities.ErrNoChunks,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}
