package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// scratchDir hands out uniquely named temp artifacts in one directory.
// Both artifact backends assemble locally before publishing.
type scratchDir struct {
	dir string
}

func (s scratchDir) create() (*tempArtifact, error) {
	path := filepath.Join(s.dir, uuid.NewString()+".part")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create temp artifact: %w", err)
	}
	return &tempArtifact{file: f}, nil
}

func (s scratchDir) clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

type tempArtifact struct {
	file      *os.File
	closeOnce sync.Once
	closeErr  error
}

func (t *tempArtifact) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

func (t *tempArtifact) Path() string {
	return t.file.Name()
}

func (t *tempArtifact) Close() error {
	t.closeOnce.Do(func() {
		if err := t.file.Sync(); err != nil {
			t.closeErr = err
		}
		if err := t.file.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
	})
	return t.closeErr
}

func (t *tempArtifact) Discard() error {
	t.Close()
	if err := os.Remove(t.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ArtifactRepositoryImpl publishes merged files into a local directory
type ArtifactRepositoryImpl struct {
	mergedDir string
	scratch   scratchDir
}

// NewArtifactRepository creates the merged and temp directories. They must
// be on the same filesystem for publishing to be an atomic rename.
func NewArtifactRepository(mergedDir, tempDir string) (*ArtifactRepositoryImpl, error) {
	for _, dir := range []string{mergedDir, tempDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &ArtifactRepositoryImpl{
		mergedDir: mergedDir,
		scratch:   scratchDir{dir: tempDir},
	}, nil
}

var _ repository.ArtifactRepository = (*ArtifactRepositoryImpl)(nil)

func (a *ArtifactRepositoryImpl) path(fileName string) string {
	return filepath.Join(a.mergedDir, fileName)
}

// CreateTemp creates a scratch file
func (a *ArtifactRepositoryImpl) CreateTemp(ctx context.Context) (repository.TempArtifact, error) {
	return a.scratch.create()
}

// Publish renames the scratch file over merged/<fileName>
func (a *ArtifactRepositoryImpl) Publish(ctx context.Context, fileName string, temp repository.TempArtifact) error {
	if err := temp.Close(); err != nil {
		temp.Discard()
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(temp.Path(), a.path(fileName)); err != nil {
		temp.Discard()
		return fmt.Errorf("publish %s: %w", fileName, err)
	}
	return nil
}

// Stat reports whether the artifact exists and its size
func (a *ArtifactRepositoryImpl) Stat(ctx context.Context, fileName string) (bool, int64, error) {
	info, err := os.Stat(a.path(fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, info.Size(), nil
}

// Recover drops scratch files of merges interrupted by a crash
func (a *ArtifactRepositoryImpl) Recover(ctx context.Context) error {
	return a.scratch.clear()
}
