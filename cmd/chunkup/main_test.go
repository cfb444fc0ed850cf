package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zots0127/chunkup/internal/adapter/handler"
	"github.com/zots0127/chunkup/internal/infrastructure/repository"
	"github.com/zots0127/chunkup/internal/usecase"
	"github.com/zots0127/chunkup/pkg/chunkhash"
)

func newUploadServer(t *testing.T) (*httptest.Server, string) {
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

	router := gin.New()
	uc := usecase.NewUploadUseCase(chunks, repository.NewSessionRepository(db), artifacts, usecase.UploadConfig{}, logger)
	handler.NewUploadHandler(uc, logger).RegisterRoutes(router)

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, filepath.Join(base, "merged")
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}

func TestRun_Usage(t *testing.T) {
	_, stderr, err := runCLI(t)
	assert.ErrorIs(t, err, pflag.ErrHelp)
	assert.Contains(t, stderr, "chunkup upload")

	_, _, err = runCLI(t, "frobnicate")
	assert.EqualError(t, err, `unknown command "frobnicate"`)
}

func TestRun_Hash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("helloworld"), 0644))

	stdout, _, err := runCLI(t, "hash", "--workers", "2", path)
	require.NoError(t, err)

	hello := chunkhash.HashBytes(chunkhash.MD5, []byte("hello"))
	world := chunkhash.HashBytes(chunkhash.MD5, []byte("world"))
	combined := chunkhash.HashBytes(chunkhash.MD5, []byte(hello+world))

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "chunk 0\t[0, 5)\t"+hello, lines[0])
	assert.Equal(t, "chunk 1\t[5, 10)\t"+world, lines[1])
	assert.Equal(t, "combined\t"+combined, lines[2])
	assert.Equal(t, "file\t"+chunkhash.HashBytes(chunkhash.MD5, []byte("helloworld")), lines[3])
}

func TestRun_UploadStatusAbort(t *testing.T) {
	ts, mergedDir := newUploadServer(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "report.csv")
	data := []byte(strings.Repeat("a,b,c\n", 200))
	require.NoError(t, os.WriteFile(path, data, 0644))

	stdout, stderr, err := runCLI(t, "upload", "-s", ts.URL, "-w", "3", path)
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "report.csv\t1200 bytes\t3 chunks (3 uploaded, 0 resumed)")

	merged, err := os.ReadFile(filepath.Join(mergedDir, "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, data, merged)

	stdout, _, err = runCLI(t, "upload", "-s", ts.URL, "-w", "3", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "already published")

	stdout, _, err = runCLI(t, "status", "-s", ts.URL, "report.csv")
	require.NoError(t, err)
	var status struct {
		Session struct {
			State string `json:"state"`
		} `json:"session"`
		Artifact struct {
			Exists bool `json:"exists"`
		} `json:"artifact"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &status))
	assert.Equal(t, "done", status.Session.State)
	assert.True(t, status.Artifact.Exists)

	stdout, _, err = runCLI(t, "abort", "-s", ts.URL, "report.csv")
	require.NoError(t, err)
	assert.Equal(t, "report.csv\taborted\n", stdout)
}

func TestRun_UploadFailures(t *testing.T) {
	ts, _ := newUploadServer(t)

	_, _, err := runCLI(t, "upload", "-s", ts.URL)
	assert.Error(t, err)

	_, stderr, err := runCLI(t, "upload", "-s", ts.URL, filepath.Join(t.TempDir(), "missing.bin"))
	assert.EqualError(t, err, "1 of 1 uploads failed")
	assert.Contains(t, stderr, "missing.bin")
}
