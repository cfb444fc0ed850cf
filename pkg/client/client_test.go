package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zots0127/chunkup/internal/adapter/handler"
	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/infrastructure/repository"
	"github.com/zots0127/chunkup/internal/usecase"
	"github.com/zots0127/chunkup/pkg/chunkhash"
)

type testEnv struct {
	server    *httptest.Server
	mergedDir string
	uploads   atomic.Int32
	// failUploads makes that many /upload requests fail with 503 first
	failUploads atomic.Int32
	// rejectUploads makes every /upload request fail with 400
	rejectUploads atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	chunks, err := repository.NewChunkRepository(filepath.Join(base, "chunks"))
	require.NoError(t, err)
	artifacts, err := repository.NewArtifactRepository(filepath.Join(base, "merged"), filepath.Join(base, "tmp"))
	require.NoError(t, err)
	db, err := repository.OpenSessionDB(filepath.Join(base, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	uc := usecase.NewUploadUseCase(chunks, repository.NewSessionRepository(db), artifacts, usecase.UploadConfig{}, logger)

	env := &testEnv{mergedDir: filepath.Join(base, "merged")}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if c.Request.URL.Path != "/upload" {
			return
		}
		env.uploads.Add(1)
		if env.rejectUploads.Load() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid chunk hash"})
			return
		}
		if env.failUploads.Add(-1) >= 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try later"})
		}
	})
	handler.NewUploadHandler(uc, logger).RegisterRoutes(router)

	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *testEnv) client(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.BaseURL = e.server.URL
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(opts)
	require.NoError(t, err)
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return c
}

func (e *testEnv) merged(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.mergedDir, name))
	require.NoError(t, err)
	return data
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdefghijklmnopqrstuvwxyz"), n)[:n]
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{BaseURL: "localhost:8080"})
	assert.Error(t, err)

	_, err = New(Options{BaseURL: "http://localhost:8080", Algorithm: "sha1"})
	assert.Error(t, err)

	c, err := New(Options{BaseURL: "http://localhost:8080/"})
	require.NoError(t, err)
	assert.Equal(t, chunkhash.MD5, c.Algorithm())
	assert.Equal(t, chunkhash.DefaultWorkers(), c.Workers())
	assert.Equal(t, "http://localhost:8080/merge", c.endpoint("/merge", nil))
}

func TestUpload_PublishesFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	data := payload(1000)
	path := writeFile(t, "data.bin", data)

	report, err := c.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "data.bin", report.FileName)
	assert.Equal(t, int64(1000), report.Size)
	assert.Equal(t, 4, report.Chunks)
	assert.Equal(t, 4, report.Uploaded)
	assert.Equal(t, 0, report.Resumed)
	assert.False(t, report.AlreadyPublished)
	require.NotNil(t, report.Merge)
	assert.Equal(t, report.CombinedHash, report.Merge.Hash)
	assert.Equal(t, int64(1000), report.Merge.Size)
	assert.Equal(t, data, env.merged(t, "data.bin"))

	session, err := c.Session(context.Background(), "data.bin")
	require.NoError(t, err)
	assert.Equal(t, entities.SessionStateDone, session.State)
}

func TestUpload_SkipsPublishedFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	path := writeFile(t, "data.bin", payload(500))

	_, err := c.Upload(context.Background(), path)
	require.NoError(t, err)
	before := env.uploads.Load()

	report, err := c.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, report.AlreadyPublished)
	assert.Equal(t, 0, report.Uploaded)
	assert.Equal(t, before, env.uploads.Load(), "no chunk is sent again")
}

func TestUpload_ReplacesChangedFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	require.NoError(t, os.WriteFile(path, payload(500), 0644))
	_, err := c.Upload(context.Background(), path)
	require.NoError(t, err)

	changed := bytes.ToUpper(payload(500))
	require.NoError(t, os.WriteFile(path, changed, 0644))
	report, err := c.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, report.AlreadyPublished)
	assert.Equal(t, changed, env.merged(t, "data.bin"))
}

func TestUpload_ResumesExistingChunks(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	data := payload(1000)
	ctx := context.Background()

	rg := chunkhash.Partition(int64(len(data)), 4)[1]
	part := data[rg.Start:rg.End]
	require.NoError(t, c.UploadChunk(ctx, "data.bin", 1, chunkhash.HashBytes(chunkhash.MD5, part), bytes.NewReader(part)))
	env.uploads.Store(0)

	report, err := c.UploadReader(ctx, "data.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 3, report.Uploaded)
	assert.Equal(t, int32(3), env.uploads.Load())
	assert.Equal(t, data, env.merged(t, "data.bin"))
}

func TestUpload_CorruptChunkIsReuploadedOnNextRun(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	data := payload(1000)
	ctx := context.Background()

	// Index 0 holds bytes that do not match the hash they were declared with.
	rg := chunkhash.Partition(int64(len(data)), 4)[0]
	good := data[rg.Start:rg.End]
	require.NoError(t, c.UploadChunk(ctx, "data.bin", 0, chunkhash.HashBytes(chunkhash.MD5, good), bytes.NewReader(bytes.ToUpper(good))))

	_, err := c.UploadReader(ctx, "data.bin", bytes.NewReader(data), int64(len(data)))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Invalid combined hash", apiErr.Message)
	assert.Equal(t, []int{0}, apiErr.CorruptChunks)

	report, err := c.UploadReader(ctx, "data.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 3, report.Resumed)
	assert.Equal(t, data, env.merged(t, "data.bin"))
}

func TestUpload_DiscardsChunksOfDifferentPartition(t *testing.T) {
	env := newTestEnv(t)
	data := payload(1000)
	ctx := context.Background()

	// A previous run split the file into 8 chunks.
	wide := env.client(t, Options{Workers: 8})
	rg := chunkhash.Partition(int64(len(data)), 8)[6]
	part := data[rg.Start:rg.End]
	require.NoError(t, wide.UploadChunk(ctx, "data.bin", 6, chunkhash.HashBytes(chunkhash.MD5, part), bytes.NewReader(part)))

	report, err := env.client(t, Options{Workers: 4}).UploadReader(ctx, "data.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resumed)
	assert.Equal(t, 4, report.Uploaded)
	assert.Equal(t, data, env.merged(t, "data.bin"))
}

func TestUpload_RestartsWhenResumedChunksCoverPartOfFile(t *testing.T) {
	env := newTestEnv(t)
	data := payload(1000)
	ctx := context.Background()

	// A previous run split the file into 4 chunks and stopped after two.
	narrow := env.client(t, Options{Workers: 4})
	for i, rg := range chunkhash.Partition(int64(len(data)), 4)[:2] {
		part := data[rg.Start:rg.End]
		require.NoError(t, narrow.UploadChunk(ctx, "data.bin", i, chunkhash.HashBytes(chunkhash.MD5, part), bytes.NewReader(part)))
	}

	report, err := env.client(t, Options{Workers: 2}).UploadReader(ctx, "data.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resumed)
	assert.Equal(t, 2, report.Uploaded)
	require.NotNil(t, report.Merge)
	assert.Equal(t, int64(len(data)), report.Merge.Size)
	assert.Equal(t, data, env.merged(t, "data.bin"))
}

func TestUpload_VerifyResumedRestartsOnMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	old := payload(1000)
	current := bytes.ToUpper(old)

	c := env.client(t, Options{VerifyResumed: true})
	rg := chunkhash.Partition(int64(len(old)), 4)[2]
	part := old[rg.Start:rg.End]
	require.NoError(t, c.UploadChunk(ctx, "data.bin", 2, chunkhash.HashBytes(chunkhash.MD5, part), bytes.NewReader(part)))

	report, err := c.UploadReader(ctx, "data.bin", bytes.NewReader(current), int64(len(current)))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Resumed)
	assert.Equal(t, current, env.merged(t, "data.bin"))
}

func TestUpload_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.failUploads.Store(3)
	c := env.client(t, Options{MaxAttempts: 5, Concurrency: 1})
	data := payload(400)

	report, err := c.UploadReader(context.Background(), "data.bin", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, 4, report.Uploaded)
	assert.Equal(t, int32(7), env.uploads.Load())
	assert.Equal(t, data, env.merged(t, "data.bin"))
}

func TestUpload_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	env.failUploads.Store(1000)
	c := env.client(t, Options{MaxAttempts: 3, Concurrency: 1, Workers: 1})
	data := payload(100)

	_, err := c.UploadReader(context.Background(), "data.bin", bytes.NewReader(data), int64(len(data)))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, int32(3), env.uploads.Load())

	_, statErr := os.Stat(filepath.Join(env.mergedDir, "data.bin"))
	assert.True(t, os.IsNotExist(statErr), "merge is not requested")
}

func TestUpload_ClientFaultIsNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.rejectUploads.Store(true)
	c := env.client(t, Options{MaxAttempts: 5, Concurrency: 1, Workers: 1})
	data := payload(100)

	_, err := c.UploadReader(context.Background(), "data.bin", bytes.NewReader(data), int64(len(data)))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.False(t, apiErr.Temporary())
	assert.Equal(t, int32(1), env.uploads.Load())
}

func TestUpload_InvalidName(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})

	_, err := c.UploadReader(context.Background(), "../escape", strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, entities.ErrInvalidFileName)
	assert.Equal(t, int32(0), env.uploads.Load())
}

func TestUpload_EmptyFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})

	report, err := c.UploadReader(context.Background(), "empty.bin", bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.Merge.Size)
	assert.Empty(t, env.merged(t, "empty.bin"))
}

func TestUpload_Canceled(t *testing.T) {
	env := newTestEnv(t)
	env.failUploads.Store(1000)
	c := env.client(t, Options{MaxAttempts: 1000, Workers: 1})
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.UploadReader(ctx, "data.bin", bytes.NewReader(payload(10)), 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAbortAndExistingFile(t *testing.T) {
	env := newTestEnv(t)
	c := env.client(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.UploadChunk(ctx, "data.bin", 0, chunkhash.HashBytes(chunkhash.MD5, []byte("x")), strings.NewReader("x")))

	refs, err := c.ExistingChunks(ctx, "data.bin")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	info, err := c.ExistingFile(ctx, "data.bin")
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.Equal(t, entities.SessionStateInProgress, info.State)

	require.NoError(t, c.Abort(ctx, "data.bin"))
	refs, err = c.ExistingChunks(ctx, "data.bin")
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = c.Session(ctx, "data.bin")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
