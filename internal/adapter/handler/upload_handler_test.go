package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zots0127/chunkup/internal/adapter/handler"
	"github.com/zots0127/chunkup/internal/infrastructure/repository"
	"github.com/zots0127/chunkup/internal/usecase"
	"github.com/zots0127/chunkup/internal/usecase/mocks"
	"github.com/zots0127/chunkup/pkg/chunkhash"
	"github.com/zots0127/chunkup/pkg/metrics"
)

type testServer struct {
	router    *gin.Engine
	mergedDir string
	metrics   *metrics.MetricsCollector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := t.TempDir()

	chunks, err := repository.NewChunkRepository(filepath.Join(base, "chunks"))
	require.NoError(t, err)
	artifacts, err := repository.NewArtifactRepository(filepath.Join(base, "merged"), filepath.Join(base, "tmp"))
	require.NoError(t, err)
	db, err := repository.OpenSessionDB(filepath.Join(base, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := usecase.NewUploadUseCase(chunks, repository.NewSessionRepository(db), artifacts, usecase.UploadConfig{}, logger)

	collector := metrics.NewMetricsCollector()
	router := gin.New()
	h := handler.NewUploadHandler(uc, logger)
	h.SetMetrics(collector)
	h.RegisterRoutes(router)
	return &testServer{router: router, mergedDir: filepath.Join(base, "merged"), metrics: collector}
}

func (s *testServer) do(req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func uploadRequest(t *testing.T, fields map[string]string, payload []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if payload != nil {
		part, err := mw.CreateFormFile("chunk", "blob")
		require.NoError(t, err)
		_, err = part.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func chunkFields(fileName string, index int, hash string) map[string]string {
	return map[string]string{"fileName": fileName, "index": strconv.Itoa(index), "chunkHash": hash}
}

func mergeRequest(fileName, combined string) *http.Request {
	body, _ := json.Marshal(map[string]string{"fileName": fileName, "combinedHash": combined})
	req := httptest.NewRequest(http.MethodPost, "/merge", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestUploadHandler_FullFlow(t *testing.T) {
	s := newTestServer(t)
	hello := chunkhash.HashBytes(chunkhash.MD5, []byte("hello"))
	world := chunkhash.HashBytes(chunkhash.MD5, []byte("world"))
	combined := chunkhash.CombinedHash(chunkhash.MD5, []chunkhash.ChunkDigest{{Index: 0, Hash: hello}, {Index: 1, Hash: world}})

	w, body := s.do(httptest.NewRequest(http.MethodGet, "/existing-chunks?fileName=a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{}, body["existingChunks"])

	w, body = s.do(uploadRequest(t, chunkFields("a.bin", 0, hello), []byte("hello")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", body["message"])
	assert.Equal(t, "Chunk uploaded successfully", body["detail"])

	w, body = s.do(uploadRequest(t, chunkFields("a.bin", 0, hello), []byte("hello")))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Chunk already exists", body["detail"])

	w, body = s.do(httptest.NewRequest(http.MethodGet, "/existing-chunks?fileName=a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []interface{}{map[string]interface{}{"index": float64(0), "hash": hello}}, body["existingChunks"])

	w, _ = s.do(uploadRequest(t, chunkFields("a.bin", 1, world), []byte("world")))
	require.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(mergeRequest("a.bin", combined))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ok", body["message"])
	assert.Equal(t, combined, body["hash"])

	data, err := os.ReadFile(filepath.Join(s.mergedDir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))

	w, body = s.do(httptest.NewRequest(http.MethodGet, "/existing-file?fileName=a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["exists"])
	assert.Equal(t, combined, body["hash"])
	assert.Equal(t, float64(10), body["size"])

	w, body = s.do(httptest.NewRequest(http.MethodGet, "/sessions/a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "done", body["state"])

	snap := s.metrics.Snapshot()
	assert.Equal(t, int64(2), snap.Chunks.Stored)
	assert.Equal(t, int64(1), snap.Chunks.Deduplicated)
	assert.Equal(t, int64(1), snap.Merges.Completed)
	assert.Equal(t, int64(10), snap.Merges.Bytes)
}

func TestUploadHandler_MergeErrors(t *testing.T) {
	s := newTestServer(t)
	hello := chunkhash.HashBytes(chunkhash.MD5, []byte("hello"))

	w, body := s.do(mergeRequest("nothing.bin", hello))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No chunks found", body["error"])

	w, _ = s.do(uploadRequest(t, chunkFields("a.bin", 0, hello), []byte("HELLO")))
	require.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(mergeRequest("a.bin", chunkhash.HashBytes(chunkhash.MD5, []byte(hello))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid combined hash", body["error"])
	assert.Equal(t, []interface{}{float64(0)}, body["corruptChunks"])

	_, err := os.Stat(filepath.Join(s.mergedDir, "a.bin"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(1), s.metrics.Snapshot().Merges.Rejected)

	w, body = s.do(httptest.NewRequest(http.MethodPost, "/merge", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", body["error"])
}

func TestUploadHandler_BadRequests(t *testing.T) {
	s := newTestServer(t)
	hash := chunkhash.HashBytes(chunkhash.MD5, []byte("x"))

	tests := []struct {
		name    string
		req     *http.Request
		status  int
		message string
	}{
		{
			name:    "traversal in existing-chunks",
			req:     httptest.NewRequest(http.MethodGet, "/existing-chunks?fileName="+url.QueryEscape("../etc"), nil),
			status:  http.StatusBadRequest,
			message: "Invalid file name",
		},
		{
			name:    "missing file name",
			req:     httptest.NewRequest(http.MethodGet, "/existing-file", nil),
			status:  http.StatusBadRequest,
			message: "Invalid file name",
		},
		{
			name:    "upload without chunk",
			req:     uploadRequest(t, chunkFields("a.bin", 0, hash), nil),
			status:  http.StatusBadRequest,
			message: "No chunk provided",
		},
		{
			name:    "upload with malformed index",
			req:     uploadRequest(t, map[string]string{"fileName": "a.bin", "index": "one", "chunkHash": hash}, []byte("x")),
			status:  http.StatusBadRequest,
			message: "Invalid chunk index",
		},
		{
			name:    "upload with bad hash",
			req:     uploadRequest(t, chunkFields("a.bin", 0, "../../x"), []byte("x")),
			status:  http.StatusBadRequest,
			message: "Invalid chunk hash",
		},
		{
			name:    "upload with slash in name",
			req:     uploadRequest(t, chunkFields("dir/a.bin", 0, hash), []byte("x")),
			status:  http.StatusBadRequest,
			message: "Invalid file name",
		},
		{
			name:    "unknown session",
			req:     httptest.NewRequest(http.MethodGet, "/sessions/none.bin", nil),
			status:  http.StatusNotFound,
			message: "Session not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := s.do(tt.req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, body["error"])
		})
	}
}

func TestUploadHandler_Abort(t *testing.T) {
	s := newTestServer(t)
	hash := chunkhash.HashBytes(chunkhash.MD5, []byte("x"))

	w, _ := s.do(uploadRequest(t, chunkFields("a.bin", 0, hash), []byte("x")))
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(httptest.NewRequest(http.MethodDelete, "/chunks?fileName=a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["message"])

	w, body = s.do(httptest.NewRequest(http.MethodGet, "/existing-chunks?fileName=a.bin", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["existingChunks"])
}

func TestUploadHandler_ServerFault(t *testing.T) {
	gin.SetMode(gin.TestMode)
	chunks := new(mocks.MockChunkRepository)
	chunks.On("List", mock.Anything, "a.bin").Return(nil, os.ErrPermission)

	uc := usecase.NewUploadUseCase(chunks, new(mocks.MockSessionRepository), new(mocks.MockArtifactRepository),
		usecase.UploadConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	router := gin.New()
	handler.NewUploadHandler(uc, slog.New(slog.NewTextHandler(io.Discard, nil))).RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/existing-chunks?fileName=a.bin", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "permission", "internal details are not leaked")
}
