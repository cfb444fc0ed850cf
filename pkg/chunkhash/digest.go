// Package chunkhash splits files into position-addressed chunks, hashes
// them in parallel and derives the combined hash that the server checks
// when it merges an upload.
package chunkhash

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a content digest used for chunk and combined hashes.
type Algorithm string

const (
	// MD5 matches the spark-md5 digests produced by browser clients.
	MD5 Algorithm = "md5"
	// BLAKE3 is the faster, collision resistant alternative.
	BLAKE3 Algorithm = "blake3"
)

var hexDigestRegex = regexp.MustCompile("^[a-f0-9]+$")

// ParseAlgorithm resolves a configured algorithm name. Empty means MD5.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "", MD5:
		return MD5, nil
	case BLAKE3:
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %q", name)
	}
}

// New returns a fresh hasher for the algorithm.
func (a Algorithm) New() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return md5.New()
}

// HexLen is the length of a hex encoded digest.
func (a Algorithm) HexLen() int {
	if a == BLAKE3 {
		return 64
	}
	return md5.Size * 2
}

// ValidDigest reports whether s is a lowercase hex digest of the right
// length. Digests double as path components, so nothing else is accepted.
func (a Algorithm) ValidDigest(s string) bool {
	return len(s) == a.HexLen() && hexDigestRegex.MatchString(s)
}

func (a Algorithm) String() string {
	return string(a)
}

// ChunkDigest is the hash of one chunk at its position in the file.
type ChunkDigest struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
}

// HashBytes returns the hex digest of data.
func HashBytes(alg Algorithm, data []byte) string {
	h := alg.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashReader streams r through the algorithm and returns the hex digest
// and the number of bytes read.
func HashReader(alg Algorithm, r io.Reader) (string, int64, error) {
	h := alg.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// CombinedHasher folds chunk digests, in index order, into the combined
// hash: the digest of the concatenated hex chunk digests.
type CombinedHasher struct {
	h      hash.Hash
	chunks int
}

// NewCombinedHasher returns an empty combined hasher.
func NewCombinedHasher(alg Algorithm) *CombinedHasher {
	return &CombinedHasher{h: alg.New()}
}

// Add appends the next chunk digest. Callers must add in ascending index order.
func (c *CombinedHasher) Add(chunkHash string) {
	io.WriteString(c.h, strings.ToLower(chunkHash))
	c.chunks++
}

// Chunks is the number of digests added so far.
func (c *CombinedHasher) Chunks() int {
	return c.chunks
}

// Sum returns the hex combined hash.
func (c *CombinedHasher) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

// CombinedHash computes the combined hash of a set of chunk digests. The
// input is not modified; digests are ordered by index before folding.
func CombinedHash(alg Algorithm, digests []ChunkDigest) string {
	ordered := make([]ChunkDigest, len(digests))
	copy(ordered, digests)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})

	c := NewCombinedHasher(alg)
	for _, d := range ordered {
		c.Add(d.Hash)
	}
	return c.Sum()
}
