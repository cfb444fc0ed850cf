package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/pkg/chunkhash"
	"golang.org/x/sync/errgroup"
)

// ErrSizeMismatch reports a merged artifact whose size differs from the
// uploaded file.
var ErrSizeMismatch = errors.New("merged size differs from local file")

// UploadReport summarizes one Upload call
type UploadReport struct {
	FileName     string
	Size         int64
	CombinedHash string
	Chunks       int
	Uploaded     int
	Resumed      int
	// AlreadyPublished is set when the server held an identical artifact
	// and nothing was uploaded.
	AlreadyPublished bool
	Merge            *entities.MergeResult
}

// Upload uploads the file at path under its base name
func (c *Client) Upload(ctx context.Context, path string) (*UploadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}

	return c.UploadReader(ctx, filepath.Base(path), f, info.Size())
}

// UploadReader uploads size bytes of r as name. Chunks the server already
// holds are neither hashed nor sent again, and merge is requested only after
// every chunk upload has succeeded.
//
// Resumed chunks from a run that split the file differently can pass the
// combined hash check and still cover only part of the file. When the merged
// size differs from size, the chunks are discarded and the file is uploaded
// once more without resuming.
func (c *Client) UploadReader(ctx context.Context, name string, r io.ReaderAt, size int64) (*UploadReport, error) {
	if err := entities.ValidateFileName(name); err != nil {
		return nil, err
	}

	report, err := c.upload(ctx, name, r, size, true)
	if err != nil {
		return nil, err
	}
	if report.Merge.Size == size {
		return report, nil
	}
	if report.Resumed == 0 {
		return nil, fmt.Errorf("merge %s: %w: server has %d bytes, local file has %d",
			name, ErrSizeMismatch, report.Merge.Size, size)
	}

	c.logger.Warn("merged size differs from local file, uploading again",
		"file", name,
		"merged", report.Merge.Size,
		"size", size,
		"resumed", report.Resumed,
	)
	if err := c.Abort(ctx, name); err != nil {
		return nil, fmt.Errorf("discard stale chunks of %s: %w", name, err)
	}
	report, err = c.upload(ctx, name, r, size, false)
	if err != nil {
		return nil, err
	}
	if report.Merge.Size != size {
		return nil, fmt.Errorf("merge %s: %w: server has %d bytes, local file has %d",
			name, ErrSizeMismatch, report.Merge.Size, size)
	}
	return report, nil
}

func (c *Client) upload(ctx context.Context, name string, r io.ReaderAt, size int64, resume bool) (*UploadReport, error) {
	var known map[int]string
	if resume {
		var err error
		if known, err = c.negotiate(ctx, name, r, size); err != nil {
			return nil, err
		}
	}

	digests, err := chunkhash.HashChunks(ctx, r, size, c.workers, c.algorithm, known)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", name, err)
	}
	combined := chunkhash.CombinedHash(c.algorithm, digests)

	report := &UploadReport{
		FileName:     name,
		Size:         size,
		CombinedHash: combined,
		Chunks:       len(digests),
		Resumed:      len(known),
	}

	if len(known) == 0 {
		existing, err := c.ExistingFile(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing.Exists && existing.State == entities.SessionStateDone && existing.Hash == combined {
			c.logger.Info("file already published", "file", name, "hash", combined)
			report.AlreadyPublished = true
			report.Merge = &entities.MergeResult{FileName: name, Hash: existing.Hash, Size: existing.Size}
			return report, nil
		}
	}

	ranges := chunkhash.Partition(size, c.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, d := range digests {
		if _, ok := known[d.Index]; ok {
			continue
		}
		rg, hash := ranges[d.Index], d.Hash
		report.Uploaded++
		g.Go(func() error {
			return c.retry(gctx, fmt.Sprintf("upload chunk %d", rg.Index), func(ctx context.Context) error {
				return c.UploadChunk(ctx, name, rg.Index, hash, io.NewSectionReader(r, rg.Start, rg.Size()))
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("upload %s: %w", name, err)
	}

	c.logger.Info("chunks uploaded",
		"file", name,
		"uploaded", report.Uploaded,
		"resumed", report.Resumed,
	)

	err = c.retry(ctx, "merge", func(ctx context.Context) error {
		result, err := c.Merge(ctx, name, combined)
		if err != nil {
			return err
		}
		report.Merge = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge %s: %w", name, err)
	}
	return report, nil
}

// negotiate returns the chunk hashes the upload can reuse from the server.
// A listing this client could not have produced, such as several chunks for
// one index or an index beyond the partition, is discarded together with the
// server's chunks so the upload starts over.
func (c *Client) negotiate(ctx context.Context, name string, r io.ReaderAt, size int64) (map[int]string, error) {
	existing, err := c.ExistingChunks(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return nil, nil
	}

	known := make(map[int]string, len(existing))
	stale := false
	for _, ref := range existing {
		if _, dup := known[ref.Index]; dup || ref.Index >= c.workers {
			stale = true
			break
		}
		known[ref.Index] = ref.Hash
	}

	if !stale && c.verifyResumed {
		local, err := chunkhash.HashChunks(ctx, r, size, c.workers, c.algorithm, nil)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", name, err)
		}
		if mismatched := mismatchedChunks(local, known); len(mismatched) > 0 {
			c.logger.Warn("server chunks differ from local file", "file", name, "chunks", mismatched)
			stale = true
		}
	}

	if stale {
		c.logger.Warn("discarding stale chunks", "file", name, "count", len(existing))
		if err := c.Abort(ctx, name); err != nil {
			return nil, fmt.Errorf("discard stale chunks of %s: %w", name, err)
		}
		return nil, nil
	}
	return known, nil
}

func mismatchedChunks(local []chunkhash.ChunkDigest, known map[int]string) []int {
	var out []int
	for _, d := range local {
		if h, ok := known[d.Index]; ok && h != d.Hash {
			out = append(out, d.Index)
		}
	}
	sort.Ints(out)
	return out
}
