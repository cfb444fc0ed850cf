package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
)

// tempPrefix marks in-flight chunk writes; List never reports them.
const tempPrefix = ".upload-"

// ChunkRepositoryImpl stores chunks as files under <root>/<fileName>/<index>_<hash>
type ChunkRepositoryImpl struct {
	root string
	link func(oldname, newname string) error
}

// NewChunkRepository creates the chunk root if needed
func NewChunkRepository(root string) (*ChunkRepositoryImpl, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create chunk root: %w", err)
	}
	return &ChunkRepositoryImpl{root: root, link: os.Link}, nil
}

var _ repository.ChunkRepository = (*ChunkRepositoryImpl)(nil)

// Root returns the directory holding all sessions
func (r *ChunkRepositoryImpl) Root() string {
	return r.root
}

func (r *ChunkRepositoryImpl) sessionDir(fileName string) string {
	return filepath.Join(r.root, fileName)
}

func (r *ChunkRepositoryImpl) chunkPath(fileName string, ref entities.ChunkRef) string {
	return filepath.Join(r.root, fileName, ref.Key())
}

// List returns stored chunks ordered by index, ties broken by full key
func (r *ChunkRepositoryImpl) List(ctx context.Context, fileName string) ([]entities.ChunkRef, error) {
	entries, err := os.ReadDir(r.sessionDir(fileName))
	if errors.Is(err, fs.ErrNotExist) {
		return []entities.ChunkRef{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", fileName, err)
	}

	refs := make([]entities.ChunkRef, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ref, err := entities.ParseChunkKey(entry.Name())
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Index != refs[j].Index {
			return refs[i].Index < refs[j].Index
		}
		return refs[i].Key() < refs[j].Key()
	})
	return refs, nil
}

// Exists checks the exact (index, hash) key
func (r *ChunkRepositoryImpl) Exists(ctx context.Context, fileName string, ref entities.ChunkRef) (bool, error) {
	_, err := os.Stat(r.chunkPath(fileName, ref))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Put writes to a temp file in the session directory and links it into
// place, so a failed or concurrent write never exposes a partial chunk
// and never replaces an existing one.
func (r *ChunkRepositoryImpl) Put(ctx context.Context, fileName string, ref entities.ChunkRef, src io.Reader, verify func() error) (bool, error) {
	target := r.chunkPath(fileName, ref)
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}

	dir := r.sessionDir(fileName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("create session dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return false, fmt.Errorf("create temp chunk: %w", err)
	}
	defer os.Remove(tempFile.Name())

	if _, err := io.Copy(tempFile, src); err != nil {
		tempFile.Close()
		return false, fmt.Errorf("write chunk %s: %w", ref.Key(), err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return false, fmt.Errorf("sync chunk %s: %w", ref.Key(), err)
	}
	if err := tempFile.Close(); err != nil {
		return false, fmt.Errorf("close chunk %s: %w", ref.Key(), err)
	}

	if verify != nil {
		if err := verify(); err != nil {
			return false, err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	err = r.link(tempFile.Name(), target)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		// lost the race to an identical upload
		return false, nil
	case !linkUnsupported(err):
		return false, fmt.Errorf("publish chunk %s: %w", ref.Key(), err)
	}

	// filesystems without hard links
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	if err := os.Rename(tempFile.Name(), target); err != nil {
		return false, fmt.Errorf("publish chunk %s: %w", ref.Key(), err)
	}
	return true, nil
}

func linkUnsupported(err error) bool {
	return errors.Is(err, syscall.EXDEV) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.ENOTSUP) ||
		errors.Is(err, syscall.EOPNOTSUPP) ||
		errors.Is(err, syscall.ENOSYS)
}

// Open opens a chunk for reading
func (r *ChunkRepositoryImpl) Open(ctx context.Context, fileName string, ref entities.ChunkRef) (io.ReadCloser, error) {
	return os.Open(r.chunkPath(fileName, ref))
}

// Remove deletes one chunk
func (r *ChunkRepositoryImpl) Remove(ctx context.Context, fileName string, ref entities.ChunkRef) error {
	if err := os.Remove(r.chunkPath(fileName, ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes the session directory with everything in it
func (r *ChunkRepositoryImpl) RemoveAll(ctx context.Context, fileName string) error {
	return os.RemoveAll(r.sessionDir(fileName))
}

// Sessions lists file names that have a chunk directory
func (r *ChunkRepositoryImpl) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
