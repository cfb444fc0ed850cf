package chunkhash

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// FallbackWorkers is used when the number of compute units is unknown.
const FallbackWorkers = 4

// Range is the byte range [Start, End) of chunk Index.
type Range struct {
	Index int
	Start int64
	End   int64
}

// Size is the number of bytes in the range.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// DefaultWorkers returns the number of usable CPUs, or FallbackWorkers.
func DefaultWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return FallbackWorkers
}

// Partition splits size bytes into exactly workers ranges of
// ceil(size/workers) bytes, the last one truncated. Boundaries depend on
// workers, so a resumed upload must be split with the same value.
// Trailing ranges are empty when size < workers.
func Partition(size int64, workers int) []Range {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if size < 0 {
		size = 0
	}

	w := int64(workers)
	chunkSize := (size + w - 1) / w

	ranges := make([]Range, workers)
	for i := range ranges {
		start := min(int64(i)*chunkSize, size)
		end := min(start+chunkSize, size)
		ranges[i] = Range{Index: i, Start: start, End: end}
	}
	return ranges
}

// HashRange hashes exactly the bytes of rg. A short read fails the chunk.
func HashRange(alg Algorithm, r io.ReaderAt, rg Range) (string, error) {
	h := alg.New()
	n, err := io.Copy(h, io.NewSectionReader(r, rg.Start, rg.Size()))
	if err != nil {
		return "", fmt.Errorf("read chunk %d: %w", rg.Index, err)
	}
	if n != rg.Size() {
		return "", fmt.Errorf("read chunk %d: got %d of %d bytes: %w", rg.Index, n, rg.Size(), io.ErrUnexpectedEOF)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashChunks partitions size bytes of r into workers chunks and hashes each
// one in its own goroutine. Chunks present in known are taken as already
// hashed and are not read. The result is ordered by index and is returned
// only after every chunk has been accounted for; any read failure fails
// the whole call.
func HashChunks(ctx context.Context, r io.ReaderAt, size int64, workers int, alg Algorithm, known map[int]string) ([]ChunkDigest, error) {
	ranges := Partition(size, workers)
	results := make([]ChunkDigest, len(ranges))

	g, ctx := errgroup.WithContext(ctx)
	for _, rg := range ranges {
		if h, ok := known[rg.Index]; ok {
			results[rg.Index] = ChunkDigest{Index: rg.Index, Hash: h}
			continue
		}

		rg := rg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := HashRange(alg, r, rg)
			if err != nil {
				return err
			}
			results[rg.Index] = ChunkDigest{Index: rg.Index, Hash: h}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
