package entities

import (
	"fmt"
	"strconv"
	"strings"
)

// ChunkRef identifies a stored chunk by its position in the original file
// and the digest the client declared for it.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// Key is the storage key of the chunk inside its session directory.
// Both index and hash are part of the key, so a re-upload of an index with
// different content never overwrites the earlier artifact.
func (c ChunkRef) Key() string {
	return fmt.Sprintf("%d_%s", c.Index, c.Hash)
}

// ParseChunkKey parses an "<index>_<hash>" storage key.
func ParseChunkKey(key string) (ChunkRef, error) {
	indexPart, hash, ok := strings.Cut(key, "_")
	if !ok || hash == "" {
		return ChunkRef{}, fmt.Errorf("malformed chunk key %q", key)
	}

	index, err := strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		return ChunkRef{}, fmt.Errorf("malformed chunk index in key %q", key)
	}

	return ChunkRef{Index: index, Hash: hash}, nil
}

// Chunk is an upload request for one chunk.
type Chunk struct {
	FileName string
	Index    int
	Hash     string
	Size     int64
}

// Ref returns the chunk's storage identity.
func (c Chunk) Ref() ChunkRef {
	return ChunkRef{Index: c.Index, Hash: c.Hash}
}

// UploadResult reports whether a chunk upload wrote new data.
type UploadResult struct {
	Stored bool
	Ref    ChunkRef
}
