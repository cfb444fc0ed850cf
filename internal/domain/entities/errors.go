package entities

import (
	"errors"
	"fmt"
	"strings"
)

// Client faults. The messages are the machine readable reasons returned to
// callers.
var (
	ErrInvalidFileName     = errors.New("Invalid file name")
	ErrInvalidChunkIndex   = errors.New("Invalid chunk index")
	ErrInvalidChunkHash    = errors.New("Invalid chunk hash")
	ErrInvalidCombinedHash = errors.New("Invalid combined hash")
	ErrChunkTooLarge       = errors.New("Chunk too large")
	ErrNoChunks            = errors.New("No chunks found")
	ErrMergeInProgress     = errors.New("Merge in progress")
	ErrSessionNotFound     = errors.New("Session not found")
)

// ErrInvalidTransition is returned when the session state machine refuses a move.
var ErrInvalidTransition = errors.New("invalid session transition")

const maxFileNameLength = 255

// ValidateFileName checks that name is usable as a single path component.
// Names are rejected, never normalized.
func ValidateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidFileName
	case len(name) > maxFileNameLength:
		return ErrInvalidFileName
	case strings.ContainsAny(name, "/\\\x00"):
		return ErrInvalidFileName
	}
	return nil
}

// IntegrityError is returned when a merged artifact does not hash to the
// combined hash the client declared.
type IntegrityError struct {
	Expected string
	Actual   string
	// CorruptChunks lists indices whose content did not match the hash
	// in their storage key. Those chunks have been discarded.
	CorruptChunks []int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", ErrInvalidCombinedHash, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error {
	return ErrInvalidCombinedHash
}

// IsClientFault reports whether err was caused by the request rather than
// by the server.
func IsClientFault(err error) bool {
	for _, target := range []error{
		ErrInvalidFileName,
		ErrInvalidChunkIndex,
		ErrInvalidChunkHash,
		ErrInvalidCombinedHash,
		ErrChunkTooLarge,
		ErrNoChunks,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
