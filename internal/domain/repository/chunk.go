package repository

import (
	"context"
	"io"
	"time"

	"github.com/zots0127/chunkup/internal/domain/entities"
)

// ChunkRepository persists chunk payloads keyed by (file name, index, hash).
// File names passed in have already been validated.
type ChunkRepository interface {
	// List returns the chunks stored for fileName, ordered by index and
	// then by key. A missing session yields an empty slice.
	List(ctx context.Context, fileName string) ([]entities.ChunkRef, error)

	// Exists reports whether the exact chunk key is stored.
	Exists(ctx context.Context, fileName string, ref entities.ChunkRef) (bool, error)

	// Put stores the payload under ref unless that key already exists.
	// It returns true when new data was written. If verify is non-nil it
	// runs after the payload is fully read and before it becomes visible;
	// an error from it discards the write.
	Put(ctx context.Context, fileName string, ref entities.ChunkRef, r io.Reader, verify func() error) (bool, error)

	// Open opens a stored chunk for reading.
	Open(ctx context.Context, fileName string, ref entities.ChunkRef) (io.ReadCloser, error)

	// Remove deletes a single chunk. Missing chunks are not an error.
	Remove(ctx context.Context, fileName string, ref entities.ChunkRef) error

	// RemoveAll deletes every chunk of fileName and the session directory.
	RemoveAll(ctx context.Context, fileName string) error

	// Sessions lists file names that currently hold chunks.
	Sessions(ctx context.Context) ([]string, error)
}

// ArtifactRepository publishes verified artifacts.
type ArtifactRepository interface {
	// CreateTemp creates a scratch file for assembling an artifact.
	CreateTemp(ctx context.Context) (TempArtifact, error)

	// Publish makes the assembled temp artifact visible as fileName,
	// replacing any previous artifact atomically. The temp file is consumed.
	Publish(ctx context.Context, fileName string, temp TempArtifact) error

	// Stat reports whether fileName is published and its size.
	Stat(ctx context.Context, fileName string) (bool, int64, error)

	// Recover clears scratch files left over from an interrupted merge.
	Recover(ctx context.Context) error
}

// TempArtifact is a scratch file the merge engine writes into.
type TempArtifact interface {
	io.Writer
	// Path is the location of the scratch file on local disk.
	Path() string
	// Close flushes and closes the file; it may be called more than once.
	Close() error
	// Discard closes and deletes the scratch file.
	Discard() error
}

// SessionRepository persists the upload state machine.
type SessionRepository interface {
	// Get returns the session for fileName or ErrSessionNotFound.
	Get(ctx context.Context, fileName string) (*entities.Session, error)

	// Touch marks fileName as in progress, creating it when needed.
	Touch(ctx context.Context, fileName string) error

	// Transition moves fileName into state, recording hash, size, chunk
	// count and error text. It fails if the transition is not allowed.
	Transition(ctx context.Context, fileName string, state entities.SessionState, update SessionUpdate) error

	// ListStale returns sessions in one of states not updated since before.
	ListStale(ctx context.Context, states []entities.SessionState, before time.Time) ([]*entities.Session, error)

	// ResetMerging moves every session stuck in merging back to in progress.
	ResetMerging(ctx context.Context) (int, error)

	// CountOpen returns the number of sessions not yet done.
	CountOpen(ctx context.Context) (int, error)
}

// SessionUpdate carries the optional fields of a transition.
type SessionUpdate struct {
	CombinedHash string
	Size         int64
	Chunks       int
	LastError    string
}
