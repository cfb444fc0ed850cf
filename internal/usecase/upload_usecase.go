package usecase

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zots0127/chunkup/internal/domain/entities"
	"github.com/zots0127/chunkup/internal/domain/repository"
	"github.com/zots0127/chunkup/pkg/chunkhash"
)

// UploadConfig tunes the upload use case
type UploadConfig struct {
	Algorithm chunkhash.Algorithm
	// VerifyChunks hashes each payload while it is stored and rejects
	// a mismatch with the declared hash.
	VerifyChunks bool
	// MaxChunkSize limits a single payload. Zero disables the check.
	MaxChunkSize int64
	// SessionTTL is how long an unfinished session may sit idle before
	// the janitor aborts it. Zero disables expiry.
	SessionTTL time.Duration
}

// UploadUseCase implements resume negotiation, chunk storage, merging and
// session expiry.
type UploadUseCase struct {
	chunks    repository.ChunkRepository
	sessions  repository.SessionRepository
	artifacts repository.ArtifactRepository

	alg          chunkhash.Algorithm
	verifyChunks atomic.Bool
	maxChunkSize int64
	sessionTTL   time.Duration

	locks  *keyedLocker
	logger *slog.Logger
	now    func() time.Time
}

// NewUploadUseCase creates a new upload use case
func NewUploadUseCase(
	chunks repository.ChunkRepository,
	sessions repository.SessionRepository,
	artifacts repository.ArtifactRepository,
	cfg UploadConfig,
	logger *slog.Logger,
) *UploadUseCase {
	if cfg.Algorithm == "" {
		cfg.Algorithm = chunkhash.MD5
	}
	if logger == nil {
		logger = slog.Default()
	}

	uc := &UploadUseCase{
		chunks:       chunks,
		sessions:     sessions,
		artifacts:    artifacts,
		alg:          cfg.Algorithm,
		maxChunkSize: cfg.MaxChunkSize,
		sessionTTL:   cfg.SessionTTL,
		locks:        newKeyedLocker(),
		logger:       logger,
		now:          time.Now,
	}
	uc.verifyChunks.Store(cfg.VerifyChunks)
	return uc
}

// Algorithm returns the configured digest algorithm
func (u *UploadUseCase) Algorithm() chunkhash.Algorithm {
	return u.alg
}

// SetVerifyChunks toggles write-time verification of chunk hashes
func (u *UploadUseCase) SetVerifyChunks(enabled bool) {
	u.verifyChunks.Store(enabled)
}

// ListExistingChunks returns the chunks already stored for fileName
func (u *UploadUseCase) ListExistingChunks(ctx context.Context, fileName string) ([]entities.ChunkRef, error) {
	if err := entities.ValidateFileName(fileName); err != nil {
		return nil, err
	}
	return u.chunks.List(ctx, fileName)
}

// UploadChunk stores one chunk under (index, hash). Re-uploading a stored
// key succeeds without writing.
func (u *UploadUseCase) UploadChunk(ctx context.Context, chunk entities.Chunk, body io.Reader) (*entities.UploadResult, error) {
	if err := entities.ValidateFileName(chunk.FileName); err != nil {
		return nil, err
	}
	if chunk.Index < 0 {
		return nil, entities.ErrInvalidChunkIndex
	}
	chunk.Hash = strings.ToLower(chunk.Hash)
	if !u.alg.ValidDigest(chunk.Hash) {
		return nil, entities.ErrInvalidChunkHash
	}
	if u.maxChunkSize > 0 {
		if chunk.Size > u.maxChunkSize {
			return nil, entities.ErrChunkTooLarge
		}
		body = &limitedReader{r: body, remaining: u.maxChunkSize}
	}

	unlock, ok := u.locks.TryRLock(chunk.FileName)
	if !ok {
		return nil, entities.ErrMergeInProgress
	}
	defer unlock()

	if err := u.sessions.Touch(ctx, chunk.FileName); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	ref := chunk.Ref()
	exists, err := u.chunks.Exists(ctx, chunk.FileName, ref)
	if err != nil {
		return nil, fmt.Errorf("check chunk: %w", err)
	}
	if exists {
		return &entities.UploadResult{Stored: false, Ref: ref}, nil
	}

	var verify func() error
	if u.verifyChunks.Load() {
		h := u.alg.New()
		body = io.TeeReader(body, h)
		verify = func() error {
			if hex.EncodeToString(h.Sum(nil)) != ref.Hash {
				return entities.ErrInvalidChunkHash
			}
			return nil
		}
	}

	stored, err := u.chunks.Put(ctx, chunk.FileName, ref, body, verify)
	if err != nil {
		if errors.Is(err, entities.ErrInvalidChunkHash) || errors.Is(err, entities.ErrChunkTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("store chunk %s: %w", ref.Key(), err)
	}

	u.logger.Debug("chunk stored", "fileName", chunk.FileName, "index", ref.Index, "stored", stored)
	return &entities.UploadResult{Stored: stored, Ref: ref}, nil
}

// MergeChunks concatenates the stored chunks of a file in index order,
// verifies the result against the declared combined hash and publishes it.
// On a mismatch nothing is published and chunks whose content disagrees
// with their key are dropped so that a resumed upload replaces them.
func (u *UploadUseCase) MergeChunks(ctx context.Context, req entities.MergeRequest) (*entities.MergeResult, error) {
	if err := entities.ValidateFileName(req.FileName); err != nil {
		return nil, err
	}
	expected := strings.ToLower(req.CombinedHash)
	if !u.alg.ValidDigest(expected) {
		return nil, entities.ErrInvalidCombinedHash
	}

	unlock := u.locks.Lock(req.FileName)
	defer unlock()

	log := u.logger.With("fileName", req.FileName)

	refs, err := u.chunks.List(ctx, req.FileName)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(refs) == 0 {
		if result := u.completedMerge(ctx, req.FileName, expected); result != nil {
			return result, nil
		}
		return nil, entities.ErrNoChunks
	}

	if err := u.sessions.Touch(ctx, req.FileName); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if err := u.sessions.Transition(ctx, req.FileName, entities.SessionStateMerging, repository.SessionUpdate{
		CombinedHash: expected,
		Chunks:       len(refs),
	}); err != nil {
		return nil, fmt.Errorf("start merge: %w", err)
	}

	duplicates := duplicateIndices(refs)
	if len(duplicates) > 0 {
		log.Warn("multiple chunks stored for one index", "indices", duplicates)
	}

	temp, err := u.artifacts.CreateTemp(ctx)
	if err != nil {
		return nil, u.abortMerge(ctx, req.FileName, fmt.Errorf("create temp artifact: %w", err))
	}

	combined := chunkhash.NewCombinedHasher(u.alg)
	var (
		size    int64
		corrupt []entities.ChunkRef
	)
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			temp.Discard()
			return nil, u.abortMerge(ctx, req.FileName, err)
		}

		digest, n, err := u.appendChunk(ctx, temp, req.FileName, ref)
		if err != nil {
			temp.Discard()
			return nil, u.abortMerge(ctx, req.FileName, err)
		}
		size += n
		combined.Add(digest)
		if digest != ref.Hash {
			corrupt = append(corrupt, ref)
		}
	}

	actual := combined.Sum()
	if actual != expected {
		temp.Discard()
		return nil, u.rejectMerge(ctx, req.FileName, expected, actual, refs, corrupt, duplicates)
	}

	if err := u.artifacts.Publish(ctx, req.FileName, temp); err != nil {
		temp.Discard()
		return nil, u.abortMerge(ctx, req.FileName, err)
	}

	// The artifact is live from here on; later failures only leave litter.
	ctx = context.WithoutCancel(ctx)
	if err := u.chunks.RemoveAll(ctx, req.FileName); err != nil {
		log.Error("failed to remove merged chunks", "error", err)
	}
	if err := u.sessions.Transition(ctx, req.FileName, entities.SessionStateDone, repository.SessionUpdate{
		CombinedHash: expected,
		Size:         size,
		Chunks:       len(refs),
	}); err != nil {
		log.Error("failed to mark session done", "error", err)
	}

	log.Info("file merged", "chunks", len(refs), "size", size, "hash", expected)
	return &entities.MergeResult{
		FileName: req.FileName,
		Hash:     expected,
		Size:     size,
		Chunks:   len(refs),
	}, nil
}

// appendChunk copies one chunk into the artifact while hashing exactly the
// bytes written.
func (u *UploadUseCase) appendChunk(ctx context.Context, w io.Writer, fileName string, ref entities.ChunkRef) (string, int64, error) {
	rc, err := u.chunks.Open(ctx, fileName, ref)
	if err != nil {
		return "", 0, fmt.Errorf("open chunk %s: %w", ref.Key(), err)
	}
	defer rc.Close()

	h := u.alg.New()
	n, err := io.Copy(io.MultiWriter(w, h), rc)
	if err != nil {
		return "", n, fmt.Errorf("copy chunk %s: %w", ref.Key(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// completedMerge answers a repeated merge whose first attempt already
// published the artifact and removed the chunks.
func (u *UploadUseCase) completedMerge(ctx context.Context, fileName, expected string) *entities.MergeResult {
	session, err := u.sessions.Get(ctx, fileName)
	if err != nil || session.State != entities.SessionStateDone || session.CombinedHash != expected {
		return nil
	}
	exists, size, err := u.artifacts.Stat(ctx, fileName)
	if err != nil || !exists {
		return nil
	}
	return &entities.MergeResult{
		FileName: fileName,
		Hash:     expected,
		Size:     size,
		Chunks:   session.Chunks,
	}
}

// abortMerge returns the session to in progress after a server side
// failure. Chunks are untouched, so the merge can be retried.
func (u *UploadUseCase) abortMerge(ctx context.Context, fileName string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := u.sessions.Transition(ctx, fileName, entities.SessionStateInProgress, repository.SessionUpdate{
		LastError: cause.Error(),
	}); err != nil {
		u.logger.Error("failed to reset session", "fileName", fileName, "error", err)
	}
	u.logger.Error("merge failed", "fileName", fileName, "error", cause)
	return fmt.Errorf("merge %s: %w", fileName, cause)
}

func (u *UploadUseCase) rejectMerge(ctx context.Context, fileName, expected, actual string, refs, corrupt []entities.ChunkRef, duplicates []int) error {
	ctx = context.WithoutCancel(ctx)

	dup := make(map[int]bool, len(duplicates))
	for _, i := range duplicates {
		dup[i] = true
	}

	drop := make(map[int]bool)
	removed := make(map[string]bool)
	remove := func(ref entities.ChunkRef) {
		drop[ref.Index] = true
		if removed[ref.Key()] {
			return
		}
		removed[ref.Key()] = true
		if err := u.chunks.Remove(ctx, fileName, ref); err != nil {
			u.logger.Error("failed to remove chunk", "fileName", fileName, "key", ref.Key(), "error", err)
		}
	}
	for _, ref := range corrupt {
		remove(ref)
	}
	for _, ref := range refs {
		if dup[ref.Index] {
			remove(ref)
		}
	}

	indices := make([]int, 0, len(drop))
	for i := range drop {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	integrityErr := &entities.IntegrityError{
		Expected:      expected,
		Actual:        actual,
		CorruptChunks: indices,
	}
	if err := u.sessions.Transition(ctx, fileName, entities.SessionStateRejected, repository.SessionUpdate{
		CombinedHash: expected,
		Chunks:       len(refs) - len(removed),
		LastError:    integrityErr.Error(),
	}); err != nil {
		u.logger.Error("failed to mark session rejected", "fileName", fileName, "error", err)
	}

	u.logger.Warn("merge rejected",
		"fileName", fileName,
		"expected", expected,
		"actual", actual,
		"dropped", indices,
	)
	return integrityErr
}

func duplicateIndices(refs []entities.ChunkRef) []int {
	var dups []int
	for i := 1; i < len(refs); i++ {
		if refs[i].Index == refs[i-1].Index && (len(dups) == 0 || dups[len(dups)-1] != refs[i].Index) {
			dups = append(dups, refs[i].Index)
		}
	}
	return dups
}

// ExistingFile reports whether fileName has been published
func (u *UploadUseCase) ExistingFile(ctx context.Context, fileName string) (*entities.ArtifactInfo, error) {
	if err := entities.ValidateFileName(fileName); err != nil {
		return nil, err
	}

	exists, size, err := u.artifacts.Stat(ctx, fileName)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	info := &entities.ArtifactInfo{
		Exists: exists,
		Size:   size,
		State:  entities.SessionStateEmpty,
	}

	session, err := u.sessions.Get(ctx, fileName)
	switch {
	case err == nil:
		info.State = session.State
		if exists && session.State == entities.SessionStateDone {
			info.Hash = session.CombinedHash
		}
	case !errors.Is(err, entities.ErrSessionNotFound):
		return nil, fmt.Errorf("get session: %w", err)
	}
	return info, nil
}

// GetSession returns the persisted session of fileName
func (u *UploadUseCase) GetSession(ctx context.Context, fileName string) (*entities.Session, error) {
	if err := entities.ValidateFileName(fileName); err != nil {
		return nil, err
	}
	return u.sessions.Get(ctx, fileName)
}

// AbortUpload discards every stored chunk of fileName. The record of a
// completed merge is kept.
func (u *UploadUseCase) AbortUpload(ctx context.Context, fileName string) error {
	if err := entities.ValidateFileName(fileName); err != nil {
		return err
	}

	unlock, ok := u.locks.TryLock(fileName)
	if !ok {
		return entities.ErrMergeInProgress
	}
	defer unlock()

	return u.abortLocked(ctx, fileName)
}

func (u *UploadUseCase) abortLocked(ctx context.Context, fileName string) error {
	if err := u.chunks.RemoveAll(ctx, fileName); err != nil {
		return fmt.Errorf("remove chunks: %w", err)
	}

	session, err := u.sessions.Get(ctx, fileName)
	if errors.Is(err, entities.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session.State == entities.SessionStateDone {
		return nil
	}
	if err := u.sessions.Transition(ctx, fileName, entities.SessionStateEmpty, repository.SessionUpdate{}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	u.logger.Info("upload aborted", "fileName", fileName, "state", session.State)
	return nil
}

// Recover clears the leftovers of merges interrupted by a crash
func (u *UploadUseCase) Recover(ctx context.Context) error {
	if err := u.artifacts.Recover(ctx); err != nil {
		return fmt.Errorf("clear temp artifacts: %w", err)
	}
	n, err := u.sessions.ResetMerging(ctx)
	if err != nil {
		return fmt.Errorf("reset merging sessions: %w", err)
	}
	if n > 0 {
		u.logger.Warn("reset interrupted merges", "count", n)
	}
	return nil
}

// CleanupStale aborts unfinished sessions idle for longer than the session
// TTL. Chunk directories without a session are adopted so that they expire
// too. It returns the number of sessions removed.
func (u *UploadUseCase) CleanupStale(ctx context.Context) (int, error) {
	if u.sessionTTL <= 0 {
		return 0, nil
	}

	if err := u.adoptOrphans(ctx); err != nil {
		return 0, err
	}

	stale, err := u.sessions.ListStale(ctx, []entities.SessionState{
		entities.SessionStateInProgress,
		entities.SessionStateRejected,
	}, u.now().Add(-u.sessionTTL))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}

	removed := 0
	for _, s := range stale {
		unlock, ok := u.locks.TryLock(s.FileName)
		if !ok {
			continue
		}
		err := u.abortLocked(ctx, s.FileName)
		unlock()
		if err != nil {
			u.logger.Error("failed to expire session", "fileName", s.FileName, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		u.logger.Info("expired stale sessions", "count", removed)
	}
	return removed, nil
}

func (u *UploadUseCase) adoptOrphans(ctx context.Context) error {
	names, err := u.chunks.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("list chunk sessions: %w", err)
	}
	for _, name := range names {
		_, err := u.sessions.Get(ctx, name)
		if !errors.Is(err, entities.ErrSessionNotFound) {
			continue
		}
		if err := u.sessions.Touch(ctx, name); err != nil {
			return fmt.Errorf("adopt %s: %w", name, err)
		}
	}
	return nil
}

// RunJanitor calls CleanupStale every interval until ctx is done
func (u *UploadUseCase) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 || u.sessionTTL <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := u.CleanupStale(ctx); err != nil {
				u.logger.Error("session cleanup failed", "error", err)
			}
		}
	}
}

// limitedReader fails with ErrChunkTooLarge once more than remaining bytes
// have been read.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, entities.ErrChunkTooLarge
	}
	return n, err
}
